package poolserver

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parasitepool/para/internal/config"
	"github.com/parasitepool/para/internal/job"
	"github.com/parasitepool/para/internal/session"
	"github.com/parasitepool/para/internal/share"
	"github.com/parasitepool/para/internal/vardiff"
)

// TestAcceptAndSubscribeEndToEnd dials a real TCP listener and exercises the
// subscribe handshake through Server.handleConnection, driven by a test
// accept loop in place of Start, not just the session package in isolation.
func TestAcceptAndSubscribeEndToEnd(t *testing.T) {
	registry := job.NewRegistry(8)
	validator := share.NewValidator(share.Config{}, registry)
	allocator := job.NewExtraNonce1Allocator()

	deps := session.Deps{
		Registry:  registry,
		Validator: validator,
		Allocator: allocator,
		NewVardiff: func() *vardiff.Controller {
			return vardiff.New(vardiff.Config{StartDifficulty: 1})
		},
	}

	cfg := config.ServerConfig{Host: "127.0.0.1", Port: 0, MaxConnections: 10, DrainDeadline: time.Second}
	srv := New(cfg, session.Config{}, deps, zap.NewNop())

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv.listener = listener

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			srv.wg.Add(1)
			go srv.handleConnection(ctx, conn)
		}
	}()

	conn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	w := bufio.NewWriter(conn)
	r := bufio.NewReader(conn)

	w.WriteString(`{"id":1,"method":"mining.subscribe","params":[]}` + "\n")
	require.NoError(t, w.Flush())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := r.ReadString('\n')
	require.NoError(t, err)

	var resp map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &resp))
	require.Nil(t, resp["error"])
	require.Equal(t, int64(1), srv.ConnectionCount())
}
