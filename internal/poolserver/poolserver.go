// Package poolserver implements the TCP accept loop and job broadcast bus
// that hosts Stratum sessions.
package poolserver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/parasitepool/para/internal/config"
	"github.com/parasitepool/para/internal/job"
	"github.com/parasitepool/para/internal/session"
)

var (
	activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stratum_active_connections",
		Help: "Number of active Stratum connections",
	})
	totalConnections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stratum_total_connections",
		Help: "Total number of Stratum connections accepted",
	})
	connectionErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stratum_connection_errors",
		Help: "Total number of connection accept errors",
	})
	sharesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stratum_shares_total",
		Help: "Total number of shares by outcome",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(activeConnections, totalConnections, connectionErrors, sharesTotal)
}

// ObserveShare increments the shares-by-outcome counter. Exported so callers
// wiring session.Deps.OnShare can report into the same registry.
func ObserveShare(outcome string) {
	sharesTotal.WithLabelValues(outcome).Inc()
}

// Server hosts the Stratum TCP listener and the registry-driven job
// broadcast loop.
type Server struct {
	cfg    config.ServerConfig
	logger *zap.Logger

	sessionCfg session.Config
	deps       session.Deps

	listener      net.Listener
	metricsServer *http.Server

	sessions  sync.Map // map[string]*session.Session
	connCount int64
	shutdown  int32
	wg        sync.WaitGroup
}

// New constructs a Server. sessionDeps is shared across every accepted
// session.
func New(cfg config.ServerConfig, sessionCfg session.Config, deps session.Deps, logger *zap.Logger) *Server {
	return &Server{
		cfg:        cfg,
		sessionCfg: sessionCfg,
		deps:       deps,
		logger:     logger.Named("poolserver"),
	}
}

// Start listens and accepts connections until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	var listener net.Listener
	var err error
	if s.cfg.TLS.Enabled {
		listener, err = s.createTLSListener(addr)
	} else {
		listener, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("start listener: %w", err)
	}
	s.listener = listener

	s.logger.Info("server started",
		zap.String("address", addr),
		zap.Bool("tls", s.cfg.TLS.Enabled),
		zap.Int("max_connections", s.cfg.MaxConnections),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, err := listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.shutdown) == 1 {
				return nil
			}
			s.logger.Error("accept failed", zap.Error(err))
			connectionErrors.Inc()
			continue
		}

		if atomic.LoadInt64(&s.connCount) >= int64(s.cfg.MaxConnections) {
			s.logger.Warn("max connections reached, rejecting", zap.String("remote_addr", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) createTLSListener(addr string) (net.Listener, error) {
	cert, err := tls.LoadX509KeyPair(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load TLS certificates: %w", err)
	}
	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	return tls.Listen("tcp", addr, tlsCfg)
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	atomic.AddInt64(&s.connCount, 1)
	activeConnections.Inc()
	totalConnections.Inc()
	defer func() {
		atomic.AddInt64(&s.connCount, -1)
		activeConnections.Dec()
	}()

	sess := session.New(conn, s.sessionCfg, s.deps, s.logger)
	s.sessions.Store(sess.ID(), sess)
	defer s.sessions.Delete(sess.ID())

	s.logger.Debug("new connection", zap.String("session", sess.ID()), zap.String("remote_addr", conn.RemoteAddr().String()))

	if err := sess.Run(ctx); err != nil {
		s.logger.Debug("session closed", zap.String("session", sess.ID()), zap.Error(err))
	}
}

// BroadcastJob pushes j to every authorized session. Called after each
// job.Registry publication by the local-node publisher and the proxy job
// handler in cmd/stratumd.
func (s *Server) BroadcastJob(j *job.Job) {
	s.sessions.Range(func(_, v interface{}) bool {
		if sess, ok := v.(*session.Session); ok {
			sess.NotifyJob(j)
		}
		return true
	})
}

// BroadcastDifficulty sets difficulty for a single worker's session(s).
func (s *Server) BroadcastDifficulty(workerName string, difficulty float64) {
	s.sessions.Range(func(_, v interface{}) bool {
		if sess, ok := v.(*session.Session); ok && sess.Worker() == workerName {
			sess.SetDifficulty(difficulty)
		}
		return true
	})
}

// DisconnectWorker closes every session belonging to workerName.
func (s *Server) DisconnectWorker(workerName string) {
	s.sessions.Range(func(_, v interface{}) bool {
		if sess, ok := v.(*session.Session); ok && sess.Worker() == workerName {
			sess.Close()
		}
		return true
	})
}

// ConnectionCount returns the current number of active sessions.
func (s *Server) ConnectionCount() int64 {
	return atomic.LoadInt64(&s.connCount)
}

// StartMetricsServer serves Prometheus metrics and a health endpoint. Blocks
// until the server errors or is shut down.
func (s *Server) StartMetricsServer() error {
	addr := fmt.Sprintf(":%d", s.cfg.Metrics.Port)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	s.metricsServer = &http.Server{Addr: addr, Handler: mux}
	s.logger.Info("metrics server started", zap.String("address", addr))
	return s.metricsServer.ListenAndServe()
}

// Shutdown stops accepting connections, closes every session, and waits up
// to the server's configured drain deadline for in-flight work to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	atomic.StoreInt32(&s.shutdown, 1)

	if s.listener != nil {
		s.listener.Close()
	}

	s.sessions.Range(func(_, v interface{}) bool {
		if sess, ok := v.(*session.Session); ok {
			sess.Close()
		}
		return true
	})

	drainCtx := ctx
	if s.cfg.DrainDeadline > 0 {
		var cancel context.CancelFunc
		drainCtx, cancel = context.WithTimeout(ctx, s.cfg.DrainDeadline)
		defer cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all sessions closed")
	case <-drainCtx.Done():
		s.logger.Warn("shutdown drain deadline exceeded, sessions forcefully closed")
	}

	if s.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.metricsServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("metrics server shutdown failed", zap.Error(err))
		}
	}

	return nil
}
