package broker

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/zaichik-broker/internal/protocol"
)

// Server owns the TCP listener, the topic registry, and every ambient
// component (metrics, resource guard, worker pool, optional NATS
// mirror) for one broker process. It spawns a reader goroutine and a
// SubscriptionManager goroutine per accepted connection and tracks both
// so Shutdown can wait for them to drain.
type Server struct {
	cfg     *Config
	logger  zerolog.Logger
	metrics *Metrics

	registry *TopicRegistry
	guard    *ResourceGuard
	workers  *WorkerPool
	mirror   *NATSMirror

	listener      net.Listener
	metricsServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	activeConns int64
	shutdown    int32
}

// NewServer wires every component named in the broker's ambient and
// domain stack. NATS mirroring is only constructed when cfg.NATSURL is
// non-empty.
func NewServer(cfg *Config, logger zerolog.Logger) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())
	metrics := NewMetrics()

	var mirror *NATSMirror
	if cfg.NATSURL != "" {
		m, err := NewNATSMirror(cfg.NATSURL, cfg.NATSSubjectPrefix, metrics, logger)
		if err != nil {
			cancel()
			return nil, err
		}
		mirror = m
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		registry: NewTopicRegistry(metrics, cfg.DefaultBufferSize),
		guard:    NewResourceGuard(cfg.CPURejectThreshold, cfg.CPUSampleInterval, logger),
		workers:  NewWorkerPool(2, 256, metrics, logger),
		mirror:   mirror,
		ctx:      ctx,
		cancel:   cancel,
	}
	return s, nil
}

// Start opens the listener, launches the background samplers, and
// begins the accept loop in its own goroutine. It returns once the
// listener is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("broker listening")

	s.workers.Start(s.ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.guard.Run(s.ctx)
	}()

	if s.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		s.metricsServer = &http.Server{Addr: s.cfg.MetricsAddr, Handler: mux}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error().Err(err).Msg("metrics server error")
			}
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()

	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.shutdown) == 1 {
				return
			}
			s.logger.Warn().Err(err).Msg("accept error")
			continue
		}

		if !s.guard.Allow() {
			s.metrics.ConnectionsRejected.Inc()
			s.logger.Debug().Float64("cpu_percent", s.guard.Current()).Msg("connection rejected by resource guard")
			conn.Close()
			continue
		}
		if atomic.LoadInt64(&s.activeConns) >= int64(s.cfg.MaxConnections) {
			s.metrics.ConnectionsRejected.Inc()
			conn.Close()
			continue
		}

		s.metrics.ConnectionsTotal.Inc()
		s.metrics.ConnectionsActive.Inc()
		atomic.AddInt64(&s.activeConns, 1)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
			atomic.AddInt64(&s.activeConns, -1)
			s.metrics.ConnectionsActive.Dec()
		}()
	}
}

// handleConn runs the reader loop and the SubscriptionManager for one
// connection until either side ends it.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	connCtx, connCancel := context.WithCancel(s.ctx)
	defer connCancel()

	limiter := rate.NewLimiter(rate.Limit(s.cfg.CommandRatePerSec), s.cfg.CommandRateBurst)
	manager := NewSubscriptionManager(s.registry, s.metrics, s.logger, limiter, s.mirror, s.workers, conn)

	commands := make(chan protocol.Frame, 16)

	var readerWG sync.WaitGroup
	readerWG.Add(1)
	go func() {
		defer readerWG.Done()
		s.readFrames(connCtx, conn, commands)
	}()

	manager.Run(connCtx, commands)
	connCancel()
	// Closing the socket unblocks a reader still waiting inside Decode.
	conn.Close()
	readerWG.Wait()
}

// readFrames decodes frames off conn until it hits an error or ctx is
// cancelled, forwarding each to commands. On any read/decode failure it
// injects a synthetic CloseConnection frame so the manager always sees
// an orderly end to the command stream.
func (s *Server) readFrames(ctx context.Context, conn net.Conn, commands chan<- protocol.Frame) {
	defer close(commands)

	r := bufio.NewReader(conn)
	for {
		frame, err := protocol.Decode(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug().Err(err).Msg("connection read ended")
			}
			select {
			case commands <- protocol.NewCloseConnection():
			case <-ctx.Done():
			}
			return
		}

		select {
		case commands <- frame:
		case <-ctx.Done():
			return
		}

		if frame.Kind == protocol.KindCloseConnection {
			return
		}
	}
}

// Shutdown stops accepting new connections, waits up to gracePeriod for
// in-flight connections to finish on their own, then cancels everything
// still running and waits for full drain.
func (s *Server) Shutdown(gracePeriod time.Duration) error {
	atomic.StoreInt32(&s.shutdown, 1)
	s.logger.Info().Msg("shutting down")

	if s.listener != nil {
		s.listener.Close()
	}

	deadline := time.After(gracePeriod)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
waitLoop:
	for {
		select {
		case <-deadline:
			break waitLoop
		case <-ticker.C:
			if atomic.LoadInt64(&s.activeConns) == 0 {
				break waitLoop
			}
		}
	}

	s.cancel()

	if s.metricsServer != nil {
		s.metricsServer.Close()
	}
	s.workers.Stop()
	if s.mirror != nil {
		s.mirror.Close()
	}
	s.wg.Wait()
	s.logger.Info().Msg("shutdown complete")
	return nil
}
