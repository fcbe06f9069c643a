package server

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/wsmine/internal/protocol/frame"
	"github.com/danmuck/wsmine/internal/search"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Config configures the search listener. Logger receives the per-request
// operational line and connection diagnostics.
type Config struct {
	ListenAddr      string
	MaxConcurrent   int64
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	WatchDisconnect bool
	CheckInterval   int
	Limits          frame.Limits
	Logger          zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:      ":8000",
		MaxConcurrent:   64,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		WatchDisconnect: true,
		CheckInterval:   search.DefaultCheckInterval,
		Limits:          frame.DefaultLimits(),
		Logger:          zerolog.Nop(),
	}
}

// Stats is a point-in-time view of service counters.
type Stats struct {
	Active        int64  `json:"active"`
	MaxConcurrent int64  `json:"max_concurrent"`
	Saturated     bool   `json:"saturated"`
	Accepted      uint64 `json:"accepted"`
	Streamed      uint64 `json:"streamed"`
	NotFound      uint64 `json:"not_found"`
	Rejected      uint64 `json:"rejected"`
	Dropped       uint64 `json:"dropped"`
	Hashed        uint64 `json:"hashed"`
	Matches       uint64 `json:"matches"`
	Uptime        string `json:"uptime"`
}

// Service accepts search connections. Each admitted connection is served by
// its own goroutine; handlers share nothing but counters.
type Service struct {
	cfg   Config
	log   zerolog.Logger
	slots *semaphore.Weighted

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup

	startedAt time.Time
	active    atomic.Int64
	accepted  atomic.Uint64
	streamed  atomic.Uint64
	notFound  atomic.Uint64
	rejected  atomic.Uint64
	dropped   atomic.Uint64
	hashed    atomic.Uint64
	matches   atomic.Uint64
}

func NewService() *Service {
	return NewServiceWithConfig(DefaultConfig())
}

func NewServiceWithConfig(cfg Config) *Service {
	defaults := DefaultConfig()
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = defaults.ListenAddr
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaults.CheckInterval
	}
	if cfg.Limits == (frame.Limits{}) {
		cfg.Limits = defaults.Limits
	}
	svc := &Service{
		cfg:       cfg,
		log:       cfg.Logger,
		conns:     make(map[net.Conn]struct{}),
		startedAt: time.Now(),
	}
	if cfg.MaxConcurrent > 0 {
		svc.slots = semaphore.NewWeighted(cfg.MaxConcurrent)
	}
	return svc
}

func (s *Service) Config() Config {
	return s.cfg
}

// Listen opens the configured TCP listener.
func (s *Service) Listen() (net.Listener, error) {
	return net.Listen("tcp", s.cfg.ListenAddr)
}

// Serve runs the accept loop on ln until ctx is done or ln fails. On return
// every connection is closed and every handler has exited.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	defer func() {
		s.closeAllConns()
		s.wg.Wait()
	}()
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
		s.closeAllConns()
	})
	defer stop()

	s.log.Info().Str("addr", ln.Addr().String()).Int64("max_concurrent", s.cfg.MaxConcurrent).Msg("search listening")
	for {
		if err := s.acquire(ctx); err != nil {
			return nil
		}
		conn, err := ln.Accept()
		if err != nil {
			s.release()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.accepted.Add(1)
		s.trackConn(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.release()
			defer s.untrackConn(conn)
			s.handleConn(ctx, conn)
		}()
	}
}

// Stats returns current counters.
func (s *Service) Stats() Stats {
	active := s.active.Load()
	return Stats{
		Active:        active,
		MaxConcurrent: s.cfg.MaxConcurrent,
		Saturated:     s.cfg.MaxConcurrent > 0 && active >= s.cfg.MaxConcurrent,
		Accepted:      s.accepted.Load(),
		Streamed:      s.streamed.Load(),
		NotFound:      s.notFound.Load(),
		Rejected:      s.rejected.Load(),
		Dropped:       s.dropped.Load(),
		Hashed:        s.hashed.Load(),
		Matches:       s.matches.Load(),
		Uptime:        time.Since(s.startedAt).Round(time.Second).String(),
	}
}

func (s *Service) acquire(ctx context.Context) error {
	if s.slots == nil {
		return ctx.Err()
	}
	return s.slots.Acquire(ctx, 1)
}

func (s *Service) release() {
	if s.slots != nil {
		s.slots.Release(1)
	}
}

func (s *Service) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	s.conns[conn] = struct{}{}
	s.connsMu.Unlock()
}

func (s *Service) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}
