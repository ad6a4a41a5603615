package template

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeFetcher struct {
	height int64
	calls  int32
}

func (f *fakeFetcher) FetchTemplate(ctx context.Context) (Template, error) {
	atomic.AddInt32(&f.calls, 1)
	return Template{Height: atomic.LoadInt64(&f.height)}, nil
}

func TestLocalNodeEmitsTemplates(t *testing.T) {
	f := &fakeFetcher{height: 100}
	ln := NewLocalNode(f, 10*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	go ln.Run(ctx)

	select {
	case tpl := <-ln.Templates():
		assert.Equal(t, int64(100), tpl.Height)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timed out waiting for template")
	}
}

func TestLocalNodeDiscardsStaleHeight(t *testing.T) {
	f := &fakeFetcher{height: 100}
	ln := NewLocalNode(f, time.Hour, zap.NewNop())

	ln.refresh(context.Background())
	require.Equal(t, int64(100), ln.lastHeight)

	atomic.StoreInt64(&f.height, 99)
	ln.refresh(context.Background())
	assert.Equal(t, int64(100), ln.lastHeight, "height must not regress")
}
