package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/parasitepool/para/internal/config"
	"github.com/parasitepool/para/internal/job"
	"github.com/parasitepool/para/internal/share"
)

// fakeUpstream is a minimal Stratum server used to exercise Client against
// real TCP framing without a live upstream pool. Its serve method never
// touches *testing.T, so it is safe to run in a background goroutine that
// may still be active after the test function returns.
type fakeUpstream struct {
	ln              net.Listener
	extraNonce1     string
	extraNonce2Size int
}

func newFakeUpstream(t *testing.T, extraNonce1 string, extraNonce2Size int) *fakeUpstream {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return &fakeUpstream{ln: ln, extraNonce1: extraNonce1, extraNonce2Size: extraNonce2Size}
}

func (f *fakeUpstream) addr() (string, int) {
	tcpAddr := f.ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", tcpAddr.Port
}

// serve accepts one connection, completes the subscribe/authorize
// handshake, optionally emits a raw notify line, then closes.
func (f *fakeUpstream) serve(notify string) error {
	conn, err := f.ln.Accept()
	if err != nil {
		return err
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)

	line, err := reader.ReadString('\n')
	if err != nil {
		return err
	}
	var req map[string]interface{}
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return err
	}
	resp := fmt.Sprintf(`{"id":%v,"result":[[["mining.notify","abc"]],"%s",%d],"error":null}`+"\n",
		req["id"], f.extraNonce1, f.extraNonce2Size)
	if _, err := conn.Write([]byte(resp)); err != nil {
		return err
	}

	line, err = reader.ReadString('\n')
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return err
	}
	resp = fmt.Sprintf(`{"id":%v,"result":true,"error":null}`+"\n", req["id"])
	if _, err := conn.Write([]byte(resp)); err != nil {
		return err
	}

	if notify != "" {
		if _, err := conn.Write([]byte(notify + "\n")); err != nil {
			return err
		}
	}

	time.Sleep(150 * time.Millisecond)
	return nil
}

func (f *fakeUpstream) close() {
	f.ln.Close()
}

func TestClientConnectCompletesHandshake(t *testing.T) {
	up := newFakeUpstream(t, "aabbccdd", 4)
	defer up.close()
	go up.serve("")

	host, port := up.addr()
	c := NewClient(ClientConfig{Host: host, Port: port, User: "proxyuser", Pass: "x"}, zap.NewNop())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, []byte{0xaa, 0xbb, 0xcc, 0xdd}, c.ExtraNonce1())
	assert.Equal(t, 4, c.ExtraNonce2Size())
}

func TestModeRejectsInsufficientExtraNonceBudget(t *testing.T) {
	// extranonce2_size of 4 leaves nothing after reserving 4 for the
	// proxy's own session nonce.
	up := newFakeUpstream(t, "aabbccdd", 4)
	defer up.close()
	go up.serve("")

	host, port := up.addr()
	cfg := config.ProxyConfig{
		UpstreamHost:              host,
		UpstreamPort:              port,
		UpstreamUser:              "proxyuser",
		UpstreamPass:              "x",
		SessionExtraNonce1Size:    4,
		DownstreamExtraNonce2Size: 4,
		ReconnectDelay:            10 * time.Millisecond,
		DialTimeout:               time.Second,
	}

	mode, err := NewMode(cfg, job.NewRegistry(8), zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = mode.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "extranonce2_size")
}

func TestModePublishesJobFromUpstreamNotify(t *testing.T) {
	// extranonce2_size 12: 4 reserved for the proxy session nonce, 8 left
	// for downstream miners.
	up := newFakeUpstream(t, "aabbccdd", 12)
	defer up.close()

	notify := `{"id":null,"method":"mining.notify","params":["job1","` +
		"0000000000000000000000000000000000000000000000000000000000000000" +
		`","01020304","05060708",[],"20000000","1d00ffff","5f5e1000",true]}`
	go up.serve(notify)

	host, port := up.addr()
	cfg := config.ProxyConfig{
		UpstreamHost:              host,
		UpstreamPort:              port,
		UpstreamUser:              "proxyuser",
		UpstreamPass:              "x",
		SessionExtraNonce1Size:    4,
		DownstreamExtraNonce2Size: 4,
		ReconnectDelay:            10 * time.Millisecond,
		DialTimeout:               time.Second,
	}

	registry := job.NewRegistry(8)
	mode, err := NewMode(cfg, registry, zap.NewNop())
	require.NoError(t, err)

	published := make(chan *job.Job, 1)
	mode.SetJobHandler(func(j *job.Job) { published <- j })

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	mode.Run(ctx)

	select {
	case j := <-published:
		assert.Equal(t, uint32(0x1d00ffff), j.NBits)
		assert.Equal(t, "job1", j.Template.UpstreamJobID)
		assert.Equal(t, 8, j.ExtraNonce2Len)
	default:
		t.Fatal("no job published from upstream notify")
	}
}

func TestShouldForwardUpstreamOnlyAboveUpstreamDifficulty(t *testing.T) {
	c := NewClient(ClientConfig{Host: "127.0.0.1", Port: 1}, zap.NewNop())
	c.difficulty.Store(1024.0)

	m := &Mode{client: c, logger: zap.NewNop()}

	assert.False(t, m.ShouldForwardUpstream(share.Result{Outcome: share.Accepted, Difficulty: 512}))
	assert.True(t, m.ShouldForwardUpstream(share.Result{Outcome: share.Accepted, Difficulty: 2048}))
	assert.False(t, m.ShouldForwardUpstream(share.Result{Outcome: share.LowDifficulty, Difficulty: 2048}))
}
