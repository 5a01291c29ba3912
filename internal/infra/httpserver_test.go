package infra

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPServerServesUntilCancelledThenDrains(t *testing.T) {
	cfg := &Config{Port: "0", ShutdownTimeout: 2 * time.Second}
	srv := NewHTTPServer(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}), zerolog.Nop())

	drained := make(chan struct{})
	srv.OnDrain(func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		assert.True(t, ok, "drain hooks get the shutdown deadline")
		close(drained)
		return nil
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	select {
	case <-drained:
	default:
		t.Fatal("drain hook did not run")
	}
}
