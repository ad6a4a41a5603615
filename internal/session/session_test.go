package session

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parasitepool/para/internal/coinbase"
	"github.com/parasitepool/para/internal/job"
	"github.com/parasitepool/para/internal/merkle"
	"github.com/parasitepool/para/internal/share"
	"github.com/parasitepool/para/internal/template"
	"github.com/parasitepool/para/internal/vardiff"
)

func newTestDeps() (Deps, *job.Registry) {
	registry := job.NewRegistry(8)
	validator := share.NewValidator(share.Config{}, registry)
	allocator := job.NewExtraNonce1Allocator()

	return Deps{
		Registry:  registry,
		Validator: validator,
		Allocator: allocator,
		NewVardiff: func() *vardiff.Controller {
			return vardiff.New(vardiff.Config{StartDifficulty: 1})
		},
	}, registry
}

func TestSubscribeThenAuthorizeFlow(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	deps, registry := newTestDeps()

	tpl := template.Template{PreviousBlockHash: make([]byte, 32), MinTime: 0, CurTime: uint32(time.Now().Unix())}
	built := coinbase.Built{Coinb1: []byte{0x01}, Coinb2: []byte{0x02}, ExtraNonce2Size: 4}
	registry.Publish(tpl, built, merkle.Build(nil), 0x20000000, 0x1d00ffff, uint32(time.Now().Unix()), true, 1)

	s := New(serverConn, Config{}, deps, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	cw := bufio.NewWriter(clientConn)
	cr := bufio.NewReader(clientConn)

	send := func(line string) {
		cw.WriteString(line + "\n")
		cw.Flush()
	}
	recv := func() map[string]any {
		clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
		line, err := cr.ReadString('\n')
		require.NoError(t, err)
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		return m
	}

	send(`{"id":1,"method":"mining.subscribe","params":[]}`)
	resp := recv()
	require.Equal(t, float64(1), resp["id"])
	require.Nil(t, resp["error"])

	send(`{"id":2,"method":"mining.authorize","params":["bc1qexample.worker1","x"]}`)
	resp = recv()
	require.Equal(t, float64(2), resp["id"])
	require.Equal(t, true, resp["result"])

	// set_difficulty notification follows authorize.
	notif := recv()
	require.Equal(t, "mining.set_difficulty", notif["method"])

	// then the current job.
	notif = recv()
	require.Equal(t, "mining.notify", notif["method"])

	cancel()
	<-done
}

func TestDisconnectReleasesExtraNonce1(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	deps, registry := newTestDeps()

	tpl := template.Template{PreviousBlockHash: make([]byte, 32), MinTime: 0, CurTime: uint32(time.Now().Unix())}
	built := coinbase.Built{Coinb1: []byte{0x01}, Coinb2: []byte{0x02}, ExtraNonce2Size: 4}
	registry.Publish(tpl, built, merkle.Build(nil), 0x20000000, 0x1d00ffff, uint32(time.Now().Unix()), true, 1)

	s := New(serverConn, Config{}, deps, zap.NewNop())

	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	cw := bufio.NewWriter(clientConn)
	cw.WriteString(`{"id":1,"method":"mining.subscribe","params":[]}` + "\n")
	cw.Flush()

	cr := bufio.NewReader(clientConn)
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := cr.ReadString('\n')
	require.NoError(t, err)

	require.Equal(t, 1, deps.Allocator.Leased())

	// Peer hangs up; readLoop sees EOF and must run full cleanup, not just
	// signal the writer to stop.
	clientConn.Close()
	<-done

	require.Equal(t, 0, deps.Allocator.Leased())
}

func TestUnauthorizedSubmitRejected(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	deps, _ := newTestDeps()
	s := New(serverConn, Config{}, deps, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	cw := bufio.NewWriter(clientConn)
	cr := bufio.NewReader(clientConn)

	cw.WriteString(`{"id":1,"method":"mining.submit","params":["w","1","00000000","00000000","00000000"]}` + "\n")
	cw.Flush()

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := cr.ReadString('\n')
	require.NoError(t, err)

	var resp map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &resp))
	require.NotNil(t, resp["error"])
}
