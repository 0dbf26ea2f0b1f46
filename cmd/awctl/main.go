// Command awctl is the operator CLI for an actingwebd server: a thin client
// over the public HTTP surface for actor lifecycle, trust approval, and
// OAuth2 client registration during operations.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL  string
	cfgFile    string
	creator    string
	passphrase string
)

var httpClient = &http.Client{Timeout: 15 * time.Second}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "awctl",
	Short: "ActingWeb operator CLI",
	Long: `awctl manages actors, trust relationships, and OAuth2 clients on an
actingwebd server through its public HTTP surface.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.actingweb")
			viper.SetConfigName("awctl")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server_url")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.actingweb/awctl.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "actingwebd base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&creator, "creator", "", "creator identity for basic auth")
	rootCmd.PersistentFlags().StringVar(&passphrase, "passphrase", "", "passphrase for basic auth")

	rootCmd.AddCommand(createActorCmd)
	rootCmd.AddCommand(getActorCmd)
	rootCmd.AddCommand(deleteActorCmd)
	rootCmd.AddCommand(approveTrustCmd)
	rootCmd.AddCommand(registerClientCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(versionCmd)
}

// doJSON issues one request and decodes the JSON response into out (when
// non-nil), applying basic auth when --creator/--passphrase are set.
func doJSON(method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, serverURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if creator != "" {
		req.SetBasicAuth(creator, passphrase)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, raw)
	}
	if out != nil && len(raw) > 0 {
		return json.Unmarshal(raw, out)
	}
	return nil
}

// ── actors ───────────────────────────────────────────────────────────────────

var createActorID string

var createActorCmd = &cobra.Command{
	Use:   "create-actor",
	Short: "Create an actor (POST /)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if creator == "" {
			return fmt.Errorf("--creator is required")
		}
		var resp struct {
			ID         string `json:"id"`
			Creator    string `json:"creator"`
			Passphrase string `json:"passphrase"`
			URL        string `json:"url"`
		}
		if err := doJSON(http.MethodPost, "/", map[string]string{
			"creator": creator, "passphrase": passphrase, "id": createActorID,
		}, &resp); err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "ID\t%s\n", resp.ID)
		fmt.Fprintf(w, "CREATOR\t%s\n", resp.Creator)
		fmt.Fprintf(w, "PASSPHRASE\t%s\n", resp.Passphrase)
		fmt.Fprintf(w, "URL\t%s\n", resp.URL)
		return w.Flush()
	},
}

var getActorCmd = &cobra.Command{
	Use:   "actor <id>",
	Short: "Show an actor's root metadata (GET /<id>/)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp map[string]any
		if err := doJSON(http.MethodGet, "/"+url.PathEscape(args[0])+"/", nil, &resp); err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var deleteActorCmd = &cobra.Command{
	Use:   "delete-actor <id>",
	Short: "Delete an actor and everything it owns (DELETE /<id>/)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := doJSON(http.MethodDelete, "/"+url.PathEscape(args[0])+"/", nil, nil); err != nil {
			return err
		}
		fmt.Println("deleted")
		return nil
	},
}

// ── trust ────────────────────────────────────────────────────────────────────

var approveTrustCmd = &cobra.Command{
	Use:   "approve-trust <actor-id> <relationship> <peer-id>",
	Short: "Approve a pending trust relationship (PUT /<id>/trust/<rel>/<peer>)",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := fmt.Sprintf("/%s/trust/%s/%s", url.PathEscape(args[0]), url.PathEscape(args[1]), url.PathEscape(args[2]))
		var resp map[string]any
		if err := doJSON(http.MethodPut, path, map[string]bool{"approved": true}, &resp); err != nil {
			return err
		}
		return printJSON(resp)
	},
}

// ── OAuth2 clients ───────────────────────────────────────────────────────────

var (
	clientOwnerActor string
	clientTrustType  string
)

var registerClientCmd = &cobra.Command{
	Use:   "register-client",
	Short: "Register an OAuth2 client (POST /oauth/register)",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			ClientID     string `json:"client_id"`
			ClientSecret string `json:"client_secret"`
		}
		if err := doJSON(http.MethodPost, "/oauth/register", map[string]string{
			"owner_actor_id": clientOwnerActor, "trust_type": clientTrustType,
		}, &resp); err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "CLIENT_ID\t%s\n", resp.ClientID)
		fmt.Fprintf(w, "CLIENT_SECRET\t%s\n", resp.ClientSecret)
		return w.Flush()
	},
}

func init() {
	createActorCmd.Flags().StringVar(&createActorID, "id", "", "client-supplied actor ID (generated when empty)")
	registerClientCmd.Flags().StringVar(&clientOwnerActor, "owner", "", "owning actor ID")
	registerClientCmd.Flags().StringVar(&clientTrustType, "trust-type", "", "trust type granted at token issuance (default mcp_client)")
	tokenCmd.Flags().StringVar(&tokenClientID, "client-id", "", "OAuth2 client ID")
	tokenCmd.Flags().StringVar(&tokenClientSecret, "client-secret", "", "OAuth2 client secret")
	tokenCmd.Flags().StringVar(&tokenScope, "scope", "mcp", "requested scope")
}

var (
	tokenClientID     string
	tokenClientSecret string
	tokenScope        string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Obtain a bearer token via the client_credentials grant (POST /oauth/token)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenClientID == "" || tokenClientSecret == "" {
			return fmt.Errorf("--client-id and --client-secret are required")
		}
		form := url.Values{}
		form.Set("grant_type", "client_credentials")
		form.Set("client_id", tokenClientID)
		form.Set("client_secret", tokenClientSecret)
		form.Set("scope", tokenScope)

		resp, err := httpClient.PostForm(serverURL+"/oauth/token", form)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		if err != nil {
			return err
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, raw)
		}
		var tok map[string]any
		if err := json.Unmarshal(raw, &tok); err != nil {
			return err
		}
		return printJSON(tok)
	},
}

// ── misc ─────────────────────────────────────────────────────────────────────

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check server health (GET /healthz)",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp map[string]any
		if err := doJSON(http.MethodGet, "/healthz", nil, &resp); err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the awctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("awctl", version)
	},
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
