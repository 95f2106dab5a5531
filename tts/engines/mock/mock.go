// Package mock provides a mock generation backend for testing. It accepts
// the same JSON request as a real backend and answers with SPKR frames
// carrying a sine tone whose length follows the text.
package mock

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/speak/tts/backend"
	"github.com/dgnsrekt/speak/tts/protocol"
)

// FaultKind selects an injected failure.
type FaultKind int

const (
	// FaultNone streams normally.
	FaultNone FaultKind = iota
	// FaultError sends an error frame.
	FaultError
	// FaultDrop closes the connection without an end frame.
	FaultDrop
	// FaultGarbage writes bytes that are not a frame.
	FaultGarbage
)

func (k FaultKind) String() string {
	switch k {
	case FaultNone:
		return "none"
	case FaultError:
		return "error"
	case FaultDrop:
		return "drop"
	case FaultGarbage:
		return "garbage"
	default:
		return fmt.Sprintf("FaultKind(%d)", int(k))
	}
}

// Fault injects a failure after a number of chunks have been sent.
type Fault struct {
	Kind        FaultKind
	AfterChunks int
	Message     string
}

// Config controls the generated stream.
type Config struct {
	SampleRate int
	// SecondsPerChar is the audio length generated per character of text.
	SecondsPerChar float64
	Frequency      float64
	Amplitude      float64
	// ChunksPerSecond paces chunk delivery. Zero sends as fast as possible.
	ChunksPerSecond float64
	// Delay is waited before the first chunk, like a model warming up.
	Delay         time.Duration
	MaxChunkChars int
	Fault         Fault
	Logger        *log.Logger
}

// DefaultConfig returns a 24kHz, 440Hz tone at roughly speaking pace.
func DefaultConfig() Config {
	return Config{
		SampleRate:     24000,
		SecondsPerChar: 0.06,
		Frequency:      440,
		Amplitude:      0.2,
		MaxChunkChars:  MaxChunkChars,
	}
}

// Synthesize returns the chunks the server sends for text.
func (c Config) Synthesize(text string) [][]float32 {
	var (
		chunks [][]float32
		phase  float64
	)
	step := 2 * math.Pi * c.Frequency / float64(c.SampleRate)
	for _, piece := range SplitText(text, c.MaxChunkChars) {
		n := int(math.Round(float64(len([]rune(piece))) * c.SecondsPerChar * float64(c.SampleRate)))
		if n == 0 {
			n = 1
		}
		samples := make([]float32, n)
		for i := range samples {
			samples[i] = float32(c.Amplitude * math.Sin(phase))
			phase = math.Mod(phase+step, 2*math.Pi)
		}
		chunks = append(chunks, samples)
	}
	return chunks
}

// Server is a mock backend listening on a socket.
type Server struct {
	cfg    Config
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	listeners []net.Listener
	conns     map[net.Conn]struct{}
	requests  []backend.Request
	closed    bool
	wg        sync.WaitGroup
}

// NewServer creates a mock backend.
func NewServer(cfg Config) *Server {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}
	if cfg.MaxChunkChars <= 0 {
		cfg.MaxChunkChars = MaxChunkChars
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		logger: logger.With("component", "mock-backend"),
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[net.Conn]struct{}),
	}
}

// ListenAndServe listens on addr and serves until ctx is done or Close is
// called. A stale unix socket file is removed first.
func (s *Server) ListenAndServe(ctx context.Context, network, addr string) error {
	if network == "unix" {
		if err := os.Remove(addr); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing stale socket: %w", err)
		}
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.logger.Info("Mock backend listening", "network", network, "addr", ln.Addr())

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()
	return s.Serve(ln)
}

// Serve accepts connections on ln until Close. It returns nil after Close.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return net.ErrClosed
	}
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}

		if !s.track(conn) {
			conn.Close()
			return nil
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handle(conn)
		}()
	}
}

// Close stops the listeners, aborts streams in progress and waits for them.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()
	var errs []error
	for _, ln := range s.listeners {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return errors.Join(errs...)
}

// Requests returns the requests received so far.
func (s *Server) Requests() []backend.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]backend.Request(nil), s.requests...)
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

// handle serves one request on conn.
func (s *Server) handle(conn net.Conn) {
	w := protocol.NewWriter(conn)

	req, err := backend.ReadRequest(bufio.NewReader(conn))
	if err != nil {
		s.logger.Warn("Bad request", "error", err)
		if errors.Is(err, backend.ErrUnknownMethod) {
			_ = w.WriteError(err.Error())
		}
		return
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	if req.Params.Text == "" {
		_ = w.WriteError("No text provided")
		return
	}

	chunks := s.cfg.Synthesize(req.Params.Text)
	s.logger.Debug("Streaming", "id", req.ID, "chars", len(req.Params.Text), "chunks", len(chunks))

	if err := s.stream(w, conn, chunks); err != nil {
		s.logger.Debug("Stream aborted", "id", req.ID, "error", err)
	}
}

func (s *Server) stream(w *protocol.Writer, conn net.Conn, chunks [][]float32) error {
	limit := rate.Inf
	if s.cfg.ChunksPerSecond > 0 {
		limit = rate.Limit(s.cfg.ChunksPerSecond)
	}
	limiter := rate.NewLimiter(limit, 1)

	if s.cfg.Delay > 0 {
		select {
		case <-time.After(s.cfg.Delay):
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}

	fault := s.cfg.Fault
	for i, samples := range chunks {
		if fault.Kind != FaultNone && i == fault.AfterChunks {
			return s.inject(w, conn, fault)
		}
		if err := limiter.Wait(s.ctx); err != nil {
			return err
		}
		if err := w.WriteChunk(uint32(i), samples, s.cfg.SampleRate); err != nil {
			return err
		}
	}
	if fault.Kind != FaultNone && fault.AfterChunks >= len(chunks) {
		return s.inject(w, conn, fault)
	}
	return w.WriteEnd()
}

func (s *Server) inject(w *protocol.Writer, conn net.Conn, f Fault) error {
	s.logger.Debug("Injecting fault", "kind", f.Kind, "after", f.AfterChunks)
	switch f.Kind {
	case FaultError:
		msg := f.Message
		if msg == "" {
			msg = "generation failed"
		}
		return w.WriteError(msg)
	case FaultGarbage:
		_, err := conn.Write([]byte("NOPE0000000000000000"))
		return err
	default:
		return nil
	}
}
