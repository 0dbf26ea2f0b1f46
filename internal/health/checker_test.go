package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/actingweb-core/internal/storage"
	"github.com/jmerrifield20/actingweb-core/internal/storage/memory"
)

type failingBackend struct {
	storage.Backend
	err error
}

func (f *failingBackend) BucketList(_ context.Context, _, _ string) ([]*storage.BucketItem, error) {
	return nil, f.err
}

func TestCheck_reachable(t *testing.T) {
	checker := New(memory.New(), time.Second, zap.NewNop())
	st := checker.Check(context.Background())
	if !st.OK || st.Storage != "reachable" {
		t.Errorf("expected reachable status, got %+v", st)
	}
}

func TestCheck_unreachable(t *testing.T) {
	checker := New(&failingBackend{err: errors.New("dial tcp: timeout")}, time.Second, zap.NewNop())
	st := checker.Check(context.Background())
	if st.OK || st.Storage != "unreachable" || st.Error == "" {
		t.Errorf("expected unreachable status with error, got %+v", st)
	}
}
