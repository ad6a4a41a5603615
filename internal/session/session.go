// Package session implements the per-connection Stratum state machine:
// subscribe, authorize, configure, suggest_difficulty, and submit handling,
// plus the outbound notification queue that serializes set_difficulty and
// notify delivery to a single writer goroutine.
package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/parasitepool/para/internal/codec"
	"github.com/parasitepool/para/internal/job"
	"github.com/parasitepool/para/internal/poolerr"
	"github.com/parasitepool/para/internal/share"
	"github.com/parasitepool/para/internal/username"
	"github.com/parasitepool/para/internal/vardiff"
)

// State is the session's protocol state.
type State int32

const (
	StateConnected State = iota
	StateSubscribed
	StateAuthorized
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateAuthorized:
		return "authorized"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// OutboundQueueSize is the default bound on a session's pending notify/
// set_difficulty messages before it is judged a slow consumer.
const OutboundQueueSize = 16

// Config configures a Session's protocol-level behavior.
type Config struct {
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	SubscribeWindow time.Duration
	OutboundQueue   int
	RateLimit       rate.Limit
	RateBurst       int
	ExtraNonce2Size int
}

func (c *Config) setDefaults() {
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 10 * time.Minute
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SubscribeWindow == 0 {
		c.SubscribeWindow = 30 * time.Second
	}
	if c.OutboundQueue == 0 {
		c.OutboundQueue = OutboundQueueSize
	}
	if c.RateLimit == 0 {
		c.RateLimit = 50
	}
	if c.RateBurst == 0 {
		c.RateBurst = 100
	}
	if c.ExtraNonce2Size == 0 {
		c.ExtraNonce2Size = 4
	}
}

// Deps are the shared, server-wide collaborators a Session needs.
type Deps struct {
	Registry     *job.Registry
	Validator    *share.Validator
	Allocator    *job.ExtraNonce1Allocator
	NewVardiff   func() *vardiff.Controller
	Authorize    func(ctx context.Context, parsed username.Parsed, password string) error
	OnShare      func(sessionID, workerName string, jobID uint64, sub share.Submission, result share.Result, diff float64)
	OnDisconnect func(sessionID string)
}

// Session represents a single Stratum client connection.
type Session struct {
	id     string
	conn   net.Conn
	cfg    Config
	deps   Deps
	logger *zap.Logger

	reader *codec.Reader
	writer *codec.Writer
	limiter *rate.Limiter

	state        int32
	workerName   string
	extraNonce1  [4]byte
	hasExtraNonce1 bool
	versionMask  uint32

	vardiff *vardiff.Controller

	outbound  chan func() error
	closeOnce sync.Once
	closed    chan struct{}

	connectedAt time.Time
}

// New constructs a Session bound to conn. Call Run to drive its lifecycle.
func New(conn net.Conn, cfg Config, deps Deps, logger *zap.Logger) *Session {
	cfg.setDefaults()
	return &Session{
		id:          uuid.NewString(),
		conn:        conn,
		cfg:         cfg,
		deps:        deps,
		logger:      logger.With(zap.String("session", shortID(conn))),
		reader:      codec.NewReader(conn),
		writer:      codec.NewWriter(conn),
		limiter:     rate.NewLimiter(cfg.RateLimit, cfg.RateBurst),
		outbound:    make(chan func() error, cfg.OutboundQueue),
		closed:      make(chan struct{}),
		connectedAt: time.Now(),
	}
}

func shortID(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	if len(addr) > 8 {
		return addr[:8]
	}
	return addr
}

func (s *Session) ID() string    { return s.id }
func (s *Session) State() State  { return State(atomic.LoadInt32(&s.state)) }
func (s *Session) Worker() string { return s.workerName }

// Run drives the read loop and writer goroutine until ctx is cancelled, the
// peer disconnects, or the session is closed by a slow-consumer trip.
func (s *Session) Run(ctx context.Context) error {
	defer s.close()

	var wg sync.WaitGroup
	wg.Add(1)
	writerErr := make(chan error, 1)
	go func() {
		defer wg.Done()
		writerErr <- s.writeLoop(ctx)
	}()

	readErr := s.readLoop(ctx)

	// Stop the writer and run full cleanup now rather than waiting for the
	// deferred call at the top of Run: readLoop returning is the common disconnect
	// path (EOF, idle timeout, ctx cancellation), and the writer must see
	// s.closed regardless of which path got here first.
	s.close()
	wg.Wait()

	if readErr != nil {
		return readErr
	}
	select {
	case err := <-writerErr:
		return err
	default:
		return nil
	}
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return nil
		default:
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}

		s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		req, err := s.reader.ReadRequest()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, codec.ErrLineTooLong) {
				return err
			}
			var codecErr *codec.Error
			if errors.As(err, &codecErr) {
				s.enqueueError(nil, codecErr.Code, codecErr.Message)
				continue
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil
			}
			return err
		}

		if err := s.handle(ctx, req); err != nil {
			s.logger.Debug("message handling error", zap.Error(err))
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return nil
		case fn, ok := <-s.outbound:
			if !ok {
				return nil
			}
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := fn(); err != nil {
				return err
			}
		}
	}
}

// enqueue submits an outbound write. If the queue is full the session is a
// slow consumer and is disconnected rather than allowed to backpressure the
// rest of the pool.
func (s *Session) enqueue(fn func() error) {
	select {
	case s.outbound <- fn:
	default:
		s.logger.Warn("slow consumer, disconnecting", zap.String("worker", s.workerName))
		s.close()
	}
}

func (s *Session) enqueueResult(id any, result any) {
	s.enqueue(func() error { return s.writer.WriteResponse(codec.Response{ID: id, Result: result}) })
}

func (s *Session) enqueueError(id any, code int, msg string) {
	s.enqueue(func() error {
		return s.writer.WriteResponse(codec.Response{ID: id, Error: &codec.Error{Code: code, Message: msg}})
	})
}

func (s *Session) enqueueNotification(method string, params any) {
	s.enqueue(func() error { return s.writer.WriteNotification(codec.Notification{Method: method, Params: params}) })
}

func (s *Session) handle(ctx context.Context, req codec.Request) error {
	switch req.Method {
	case "mining.subscribe":
		return s.handleSubscribe(req)
	case "mining.configure":
		return s.handleConfigure(req)
	case "mining.authorize":
		return s.handleAuthorize(ctx, req)
	case "mining.suggest_difficulty":
		return s.handleSuggestDifficulty(req)
	case "mining.submit":
		return s.handleSubmit(req)
	case "mining.extranonce.subscribe":
		s.enqueueResult(req.ID, true)
		return nil
	default:
		s.enqueueError(req.ID, codec.ErrMethodNotFound, "method not found")
		return nil
	}
}

func (s *Session) handleSubscribe(req codec.Request) error {
	if _, err := codec.ParseSubscribeParams(req.Params); err != nil {
		s.enqueueError(req.ID, codec.ErrInvalidParams, "invalid params")
		return err
	}

	en1, err := s.deps.Allocator.Allocate()
	if err != nil {
		s.enqueueError(req.ID, codec.ErrInternalError, "extranonce space exhausted")
		return err
	}
	s.extraNonce1 = en1
	s.hasExtraNonce1 = true

	atomic.StoreInt32(&s.state, int32(StateSubscribed))

	result := codec.SubscribeResult{
		Subscriptions: [][2]string{
			{"mining.set_difficulty", s.id},
			{"mining.notify", s.id},
		},
		ExtraNonce1:     hex.EncodeToString(en1[:]),
		ExtraNonce2Size: s.cfg.ExtraNonce2Size,
	}
	s.enqueueResult(req.ID, result)
	return nil
}

func (s *Session) handleConfigure(req codec.Request) error {
	params, err := codec.ParseConfigureParams(req.Params)
	if err != nil {
		s.enqueueError(req.ID, codec.ErrInvalidParams, "invalid params")
		return err
	}

	resp := map[string]any{}
	if mask, ok := params.VersionRollingMask(); ok {
		s.versionMask = mask
		resp["version-rolling"] = true
		resp["version-rolling.mask"] = fmt.Sprintf("%08x", mask)
	}
	s.enqueueResult(req.ID, resp)
	return nil
}

func (s *Session) handleAuthorize(ctx context.Context, req codec.Request) error {
	if s.State() < StateSubscribed {
		s.enqueueError(req.ID, codec.ErrNotSubscribed, "not subscribed")
		return nil
	}

	params, err := codec.ParseAuthorizeParams(req.Params)
	if err != nil {
		s.enqueueError(req.ID, codec.ErrInvalidParams, "invalid params")
		return err
	}

	parsed, ok := username.Parse(params.Username)
	if !ok {
		s.enqueueResult(req.ID, false)
		return poolerr.New(poolerr.Validation, codec.ErrInvalidParams, "malformed username")
	}

	if s.deps.Authorize != nil {
		if err := s.deps.Authorize(ctx, parsed, params.Password); err != nil {
			s.enqueueResult(req.ID, false)
			return err
		}
	}

	s.workerName = params.Username
	if s.deps.NewVardiff != nil {
		s.vardiff = s.deps.NewVardiff()
	}

	atomic.StoreInt32(&s.state, int32(StateAuthorized))
	s.enqueueResult(req.ID, true)

	if s.vardiff != nil {
		s.enqueueNotification("mining.set_difficulty", []float64{s.vardiff.Difficulty()})
	}

	if current := s.deps.Registry.Current(); current != nil {
		s.sendJob(current)
	}

	return nil
}

func (s *Session) handleSuggestDifficulty(req codec.Request) error {
	diff, err := codec.ParseSuggestDifficultyParams(req.Params)
	if err != nil {
		s.enqueueError(req.ID, codec.ErrInvalidParams, "invalid params")
		return err
	}
	if s.vardiff != nil && diff > 0 {
		s.enqueueNotification("mining.set_difficulty", []float64{diff})
	}
	return nil
}

func (s *Session) handleSubmit(req codec.Request) error {
	if s.State() < StateAuthorized {
		s.enqueueError(req.ID, codec.ErrUnauthorizedWorker, "not authorized")
		return nil
	}
	if !s.hasExtraNonce1 {
		s.enqueueError(req.ID, codec.ErrNotSubscribed, "not subscribed")
		return nil
	}

	params, err := codec.ParseSubmitParams(req.Params)
	if err != nil {
		s.enqueueError(req.ID, codec.ErrInvalidParams, "invalid params")
		return err
	}

	en2, err := hex.DecodeString(params.ExtraNonce2)
	if err != nil {
		s.enqueueError(req.ID, codec.ErrInvalidParams, "malformed extranonce2")
		return err
	}

	jobID, err := strconv.ParseUint(params.JobID, 16, 64)
	if err != nil {
		s.enqueueError(req.ID, codec.ErrJobNotFound, "malformed job id")
		return err
	}
	ntime, err := parseHexUint32(params.NTime)
	if err != nil {
		s.enqueueError(req.ID, codec.ErrInvalidParams, "malformed ntime")
		return err
	}
	nonce, err := parseHexUint32(params.Nonce)
	if err != nil {
		s.enqueueError(req.ID, codec.ErrInvalidParams, "malformed nonce")
		return err
	}

	currentJob := s.deps.Registry.Current()
	version := uint32(0)
	if currentJob != nil {
		version = currentJob.Version
	}
	if params.HasVersion && s.versionMask != 0 {
		bits, err := parseHexUint32(params.VersionBits)
		if err != nil {
			s.enqueueError(req.ID, codec.ErrInvalidParams, "malformed version bits")
			return err
		}
		version = (version &^ s.versionMask) | (bits & s.versionMask)
	}

	diff := 1.0
	if s.vardiff != nil {
		diff = s.vardiff.Difficulty()
	}

	sub := sharesubmission(s.extraNonce1, en2, ntime, nonce, version)

	result := s.deps.Validator.Validate(s.id, jobID, sub, diff, time.Now())

	if s.deps.OnShare != nil {
		s.deps.OnShare(s.id, s.workerName, jobID, sub, result, diff)
	}

	switch result.Outcome {
	case share.Accepted, share.BlockSolve:
		s.enqueueResult(req.ID, true)
	case share.Stale:
		s.enqueueError(req.ID, codec.ErrStaleShare, "Stale share")
	case share.Duplicate:
		s.enqueueError(req.ID, codec.ErrDuplicateShare, "Duplicate share")
	case share.LowDifficulty:
		s.enqueueError(req.ID, codec.ErrLowDifficultyShare, "low difficulty share")
	case share.InvalidJob:
		s.enqueueError(req.ID, codec.ErrJobNotFound, "Job not found")
	case share.InvalidHeader:
		s.enqueueError(req.ID, codec.ErrInvalidParams, "invalid header")
	}

	if s.vardiff != nil {
		if newDiff, changed := s.vardiff.RecordShare(time.Now()); changed {
			s.enqueueNotification("mining.set_difficulty", []float64{newDiff})
		}
	}

	return nil
}

// sendJob enqueues a mining.notify for j. Ordering is guaranteed relative to
// any prior set_difficulty because both traverse the same outbound channel.
func (s *Session) sendJob(j *job.Job) {
	if s.State() < StateAuthorized {
		return
	}
	params := codec.NotifyParams{
		JobID:          fmt.Sprintf("%x", j.ID),
		PrevHash:       j.Template.PreviousBlockHash,
		Coinb1:         j.Coinb1,
		Coinb2:         j.Coinb2,
		MerkleBranches: j.MerkleLadder.Siblings(),
		Version:        j.Version,
		NBits:          j.NBits,
		NTime:          j.NTime,
		CleanJobs:      j.CleanJobs,
	}
	s.enqueueNotification("mining.notify", params)
}

// NotifyJob is called by the server's broadcast loop to push a new job.
func (s *Session) NotifyJob(j *job.Job) {
	s.sendJob(j)
}

// SetDifficulty pushes an out-of-band difficulty update (called by
// poolserver.Server.BroadcastDifficulty).
func (s *Session) SetDifficulty(diff float64) {
	s.enqueueNotification("mining.set_difficulty", []float64{diff})
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.hasExtraNonce1 && s.deps.Allocator != nil {
			s.deps.Allocator.Release(s.extraNonce1)
		}
		if s.deps.OnDisconnect != nil {
			s.deps.OnDisconnect(s.id)
		}
		s.conn.Close()
	})
}

// Close closes the session from outside the read/write loop, e.g. during
// server shutdown.
func (s *Session) Close() {
	s.close()
}

func sharesubmission(en1 [4]byte, en2 []byte, ntime, nonce, version uint32) share.Submission {
	return share.Submission{ExtraNonce1: en1, ExtraNonce2: en2, NTime: ntime, Nonce: nonce, Version: version}
}

func parseHexUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
