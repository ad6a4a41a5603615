// Package proxy implements ProxyMode: a Stratum V1 client against an
// upstream pool, re-exposing the upstream's work to downstream sessions
// with the proxy's own ExtraNonce1 prepended into the extranonce gap
// upstream allocated, and re-submitting downstream shares that clear the
// upstream's own difficulty.
package proxy

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/parasitepool/para/internal/codec"
	"github.com/parasitepool/para/internal/template"
)

// ClientConfig configures the upstream connection.
type ClientConfig struct {
	Host        string
	Port        int
	User        string
	Pass        string
	DialTimeout time.Duration
}

// Client is a Stratum V1 client connection to an upstream pool.
type Client struct {
	cfg    ClientConfig
	logger *zap.Logger

	conn   net.Conn
	reader *codec.Reader
	writer *codec.Writer
	wmu    sync.Mutex // serializes writes to writer

	mu      sync.Mutex
	pending map[int64]chan codec.ServerMessage
	nextID  int64

	extraNonce1     []byte
	extraNonce2Size int

	difficulty atomic.Value // float64

	notifications chan template.UpstreamNotify
	done          chan struct{}
	closeOnce     sync.Once
}

func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Client{
		cfg:           cfg,
		logger:        logger.Named("proxy.client"),
		pending:       make(map[int64]chan codec.ServerMessage),
		notifications: make(chan template.UpstreamNotify, 1),
		done:          make(chan struct{}),
	}
}

// Notifications implements template.NotifySource.
func (c *Client) Notifications() <-chan template.UpstreamNotify {
	return c.notifications
}

// Done is closed once the read loop exits, signaling the connection died.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) ExtraNonce1() []byte { return c.extraNonce1 }
func (c *Client) ExtraNonce2Size() int { return c.extraNonce2Size }

func (c *Client) Difficulty() float64 {
	if v, ok := c.difficulty.Load().(float64); ok && v > 0 {
		return v
	}
	return 1.0
}

// Connect dials the upstream pool and completes the subscribe+authorize
// handshake. Each call establishes a fresh connection; callers reconnecting
// after a drop should construct a new Client or call Connect again after
// Close.
func (c *Client) Connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial upstream %s: %w", addr, err)
	}

	c.conn = conn
	c.reader = codec.NewReader(conn)
	c.writer = codec.NewWriter(conn)
	c.done = make(chan struct{})
	c.closeOnce = sync.Once{}

	go c.readLoop()

	resultRaw, err := c.call(ctx, "mining.subscribe", []interface{}{"para-proxy/1.0"})
	if err != nil {
		c.Close()
		return fmt.Errorf("upstream subscribe: %w", err)
	}
	sub, err := codec.ParseSubscribeResult(resultRaw)
	if err != nil {
		c.Close()
		return fmt.Errorf("upstream subscribe: %w", err)
	}
	en1, err := hex.DecodeString(sub.ExtraNonce1)
	if err != nil {
		c.Close()
		return fmt.Errorf("upstream subscribe: malformed extranonce1: %w", err)
	}
	c.extraNonce1 = en1
	c.extraNonce2Size = sub.ExtraNonce2Size

	authResult, err := c.call(ctx, "mining.authorize", []interface{}{c.cfg.User, c.cfg.Pass})
	if err != nil {
		c.Close()
		return fmt.Errorf("upstream authorize: %w", err)
	}
	var ok bool
	if jsonErr := json.Unmarshal(authResult, &ok); jsonErr == nil && !ok {
		c.Close()
		return fmt.Errorf("upstream authorize: rejected")
	}

	c.logger.Info("connected to upstream pool",
		zap.String("host", c.cfg.Host),
		zap.Int("port", c.cfg.Port),
		zap.String("extranonce1", sub.ExtraNonce1),
		zap.Int("extranonce2_size", c.extraNonce2Size))
	return nil
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// Submit re-submits a downstream share upstream under the original
// upstream job id. sessionExtraNonce1 and minerExtraNonce2 are concatenated
// to reconstruct the extranonce2 field upstream expects.
func (c *Client) Submit(ctx context.Context, upstreamJobID string, sessionExtraNonce1 []byte, minerExtraNonce2 []byte, ntime, nonce uint32) (bool, error) {
	extraNonce2 := append(append([]byte{}, sessionExtraNonce1...), minerExtraNonce2...)

	params := []interface{}{
		c.cfg.User,
		upstreamJobID,
		hex.EncodeToString(extraNonce2),
		fmt.Sprintf("%08x", ntime),
		fmt.Sprintf("%08x", nonce),
	}

	resultRaw, err := c.call(ctx, "mining.submit", params)
	if err != nil {
		return false, err
	}
	var accepted bool
	if jsonErr := json.Unmarshal(resultRaw, &accepted); jsonErr != nil {
		return false, fmt.Errorf("malformed submit result: %w", jsonErr)
	}
	return accepted, nil
}

func (c *Client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := atomic.AddInt64(&c.nextID, 1)
	ch := make(chan codec.ServerMessage, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.wmu.Lock()
	err := c.writer.WriteClientRequest(codec.ClientRequest{ID: id, Method: method, Params: params})
	c.wmu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", method, err)
	}

	select {
	case msg := <-ch:
		if len(msg.Error) > 0 && string(msg.Error) != "null" {
			return nil, fmt.Errorf("upstream rejected %s: %s", method, msg.Error)
		}
		return msg.Result, nil
	case <-c.done:
		return nil, fmt.Errorf("upstream connection closed while awaiting %s", method)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) readLoop() {
	defer close(c.done)

	for {
		msg, err := c.reader.ReadServerMessage()
		if err != nil {
			c.logger.Warn("upstream read failed", zap.Error(err))
			return
		}
		if msg.Method == "" && msg.ID == nil {
			continue // blank line
		}

		if msg.IsNotification() {
			c.handleNotification(msg)
			continue
		}

		if msg.ID != nil {
			c.mu.Lock()
			ch, ok := c.pending[*msg.ID]
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
		}
	}
}

func (c *Client) handleNotification(msg codec.ServerMessage) {
	switch msg.Method {
	case "mining.notify":
		n, err := codec.ParseNotifyParams(msg.Params)
		if err != nil {
			c.logger.Warn("malformed upstream notify", zap.Error(err))
			return
		}
		notify := template.UpstreamNotify{
			JobID:          n.JobID,
			PrevHash:       n.PrevHash,
			Coinb1:         n.Coinb1,
			Coinb2:         n.Coinb2,
			MerkleBranches: n.MerkleBranches,
			Version:        n.Version,
			NBits:          n.NBits,
			NTime:          n.NTime,
			CleanJobs:      n.CleanJobs,
		}
		select {
		case c.notifications <- notify:
		default:
			select {
			case <-c.notifications:
			default:
			}
			c.notifications <- notify
		}
	case "mining.set_difficulty":
		d, err := codec.ParseSetDifficultyParams(msg.Params)
		if err != nil {
			c.logger.Warn("malformed upstream set_difficulty", zap.Error(err))
			return
		}
		c.difficulty.Store(d)
	default:
		c.logger.Debug("unhandled upstream notification", zap.String("method", msg.Method))
	}
}
