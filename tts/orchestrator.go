// Package tts streams generated speech from a backend socket to an audio
// device, buffering through a lock-free ring buffer and driving playback
// with an explicit state machine.
package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dgnsrekt/speak/tts/audio"
	"github.com/dgnsrekt/speak/tts/backend"
	"github.com/dgnsrekt/speak/tts/protocol"
)

// Orchestrator runs one generation and playback operation. It owns the
// backend connection, the ring buffer, the player and the state machine.
type Orchestrator struct {
	// Configuration
	cfg Config

	// Collaborators
	baseLogger     *log.Logger
	logger         *log.Logger
	metrics        *Metrics
	tracerProvider trace.TracerProvider
	dialer         backend.Dialer
	device         audio.Device
	newPlayer      PlayerFactory
	listeners      []func(Transition)

	// Core components
	buf     *audio.RingBuffer
	machine *StateMachine
	player  Playback

	ran    atomic.Bool
	runCtx context.Context
	span   trace.Span

	connMu     sync.Mutex
	conn       net.Conn
	connClosed bool

	// Outcome, written by the transition listener
	resMu        sync.Mutex
	err          error
	genErr       error
	cancelled    bool
	cancelReason string

	// Counters
	chunks    atomic.Int64
	samples   atomic.Int64
	rebuffers atomic.Int64

	// Read loop state
	lastID    uint32
	haveID    bool
	resampler *audio.Resampler

	teardownOnce sync.Once
	teardownDone chan struct{}
	done         chan struct{}
}

// Status is a live view of a running stream.
type Status struct {
	State           StateType
	BufferedSeconds float64
	Chunks          int
	Samples         int64
	Underruns       int
	Rebuffers       int
}

// New creates an orchestrator for a single run.
func New(cfg Config, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	streamCfg, err := cfg.Buffer.StreamConfig()
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:          cfg,
		runCtx:       context.Background(),
		teardownDone: make(chan struct{}),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.baseLogger = o.logger
	if o.baseLogger == nil {
		o.baseLogger = log.Default()
	}
	o.logger = componentLogger(o.baseLogger, "orchestrator")

	if o.dialer == nil {
		client, err := backend.NewClient(cfg.Backend)
		if err != nil {
			return nil, err
		}
		o.dialer = client
	}

	if o.metrics == nil {
		if o.metrics, err = NewMetrics(nil); err != nil {
			o.logger.Warn("Metrics disabled", "error", err)
		}
	}
	if o.tracerProvider == nil {
		o.tracerProvider = otel.GetTracerProvider()
	}

	o.buf = audio.NewRingBuffer(cfg.BufferCapacity(), cfg.Audio.SampleRate)

	if o.newPlayer == nil {
		if o.device == nil {
			dev, err := audio.OpenDevice(audio.DeviceOptions{
				Kind:       cfg.Audio.Device,
				SampleRate: cfg.Audio.SampleRate,
				BlockSize:  cfg.Audio.BlockSize,
				Volume:     cfg.Audio.Volume,
				Logger:     componentLogger(o.baseLogger, "device"),
			})
			if err != nil {
				return nil, NewStreamError(KindDevice, "open", err)
			}
			o.device = dev
		}
		o.newPlayer = o.defaultPlayer
	}
	if o.player, err = o.newPlayer(o.buf, o.onPlayerError); err != nil {
		return nil, NewStreamError(KindDevice, "create player", err)
	}

	o.machine = NewStateMachine(streamCfg)
	o.machine.OnTransition(o.onTransition)
	o.machine.OnEnter(StateRebuffering, o.onRebuffer)
	for _, fn := range o.listeners {
		o.machine.OnTransition(fn)
	}
	return o, nil
}

func (o *Orchestrator) defaultPlayer(buf *audio.RingBuffer, onError func(error)) (Playback, error) {
	return audio.NewPlayer(buf, o.device, audio.PlayerOptions{
		BlockSize: o.cfg.Audio.BlockSize,
		OnError:   onError,
		Logger:    componentLogger(o.baseLogger, "player"),
	}), nil
}

// Run streams req to completion. It returns the result together with the
// fatal error, if any; cancellation is not an error. Run may only be called
// once.
func (o *Orchestrator) Run(ctx context.Context, req backend.Request) (*StreamResult, error) {
	if !o.ran.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRun
	}
	start := time.Now()

	ctx, span := o.tracerProvider.Tracer(instrumentationName).Start(ctx, "speak.stream",
		trace.WithAttributes(
			attribute.String("request.id", req.ID),
			attribute.Int("text.length", len(req.Params.Text)),
		))
	defer span.End()
	o.setRunContext(ctx, span)

	stop := context.AfterFunc(ctx, func() { o.Cancel(cancelReason(ctx)) })
	defer stop()

	o.logger.Debug("Starting stream", "id", req.ID, "chars", len(req.Params.Text))
	o.buf.Clear()
	o.machine.Dispatch(StartEvent(), 0)
	go o.monitor()

	if !o.machine.Current().IsTerminal() {
		if conn := o.connect(ctx, req); conn != nil {
			o.readLoop(ctx, protocol.NewReader(conn))
		}
		o.drain(ctx)
	}

	o.teardown()
	<-o.teardownDone
	close(o.done)

	res := o.result(start)
	o.metrics.RecordResult(ctx, res)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
		o.logger.Error("Stream failed", "error", res.Err, "chunks", res.TotalChunks)
	} else {
		o.logger.Info("Stream finished",
			"chunks", res.TotalChunks,
			"seconds", fmt.Sprintf("%.2f", res.TotalDurationSeconds),
			"underruns", res.UnderrunCount,
			"rebuffers", res.RebufferCount,
			"cancelled", res.Cancelled)
	}
	return res, res.Err
}

// Cancel stops the stream. The state machine moves to StateFinished
// before Cancel returns; the socket and player are released
// asynchronously and Run waits for them. It reports whether the call
// cancelled a live stream.
func (o *Orchestrator) Cancel(reason string) bool {
	_, ok := o.machine.Dispatch(CancelEvent(reason), o.buf.BufferedSeconds())
	return ok
}

// State returns the current state.
func (o *Orchestrator) State() StateType {
	return o.machine.Current()
}

// Status returns a live snapshot for progress displays.
func (o *Orchestrator) Status() Status {
	return Status{
		State:           o.machine.Current(),
		BufferedSeconds: o.buf.BufferedSeconds(),
		Chunks:          int(o.chunks.Load()),
		Samples:         o.samples.Load(),
		Underruns:       o.player.Underruns(),
		Rebuffers:       int(o.rebuffers.Load()),
	}
}

func (o *Orchestrator) setRunContext(ctx context.Context, span trace.Span) {
	o.resMu.Lock()
	defer o.resMu.Unlock()
	o.runCtx = ctx
	o.span = span
}

// connect dials the backend and sends the request.
func (o *Orchestrator) connect(ctx context.Context, req backend.Request) net.Conn {
	conn, err := o.dialer.Dial(ctx)
	if err != nil {
		if ctx.Err() != nil {
			o.Cancel(cancelReason(ctx))
			return nil
		}
		o.fault(NewStreamError(KindConnection, "dial", err))
		return nil
	}
	if !o.setConn(conn) {
		return nil
	}
	if err := backend.WriteRequest(conn, req); err != nil {
		o.fault(NewStreamError(KindConnection, "send request", err))
		return nil
	}
	o.logger.Debug("Request sent", "id", req.ID)
	return conn
}

// setConn stores conn unless teardown already ran, in which case conn is
// closed at once.
func (o *Orchestrator) setConn(conn net.Conn) bool {
	o.connMu.Lock()
	defer o.connMu.Unlock()
	if o.connClosed {
		conn.Close()
		return false
	}
	o.conn = conn
	return true
}

func (o *Orchestrator) closeConn() {
	o.connMu.Lock()
	defer o.connMu.Unlock()
	o.connClosed = true
	if o.conn != nil {
		if err := o.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			o.logger.Debug("Closing backend connection", "error", err)
		}
	}
}

// readLoop decodes messages until the stream ends, fails or is cancelled.
func (o *Orchestrator) readLoop(ctx context.Context, r *protocol.Reader) {
	for {
		if s := o.machine.Current(); s.IsTerminal() || s == StateDraining {
			return
		}

		msg, err := r.Next()
		if err != nil {
			o.readFailed(ctx, err)
			return
		}

		switch m := msg.(type) {
		case protocol.AudioChunk:
			if err := o.handleChunk(ctx, m); err != nil {
				o.fault(err)
				return
			}
		case protocol.StreamEnd:
			o.handleEnd(m)
			return
		case protocol.StreamError:
			o.handleError(m)
			return
		}
	}
}

func (o *Orchestrator) readFailed(ctx context.Context, err error) {
	// Cancellation closes the connection under the reader.
	if o.machine.Current().IsTerminal() {
		return
	}
	if ctx.Err() != nil {
		o.Cancel(cancelReason(ctx))
		return
	}

	switch {
	case errors.Is(err, protocol.ErrInvalidMagic),
		errors.Is(err, protocol.ErrFrameTooLarge),
		errors.Is(err, protocol.ErrInvalidSampleRate):
		o.fault(NewStreamError(KindProtocol, "decode", err))
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		o.fault(NewStreamError(KindConnection, "read", fmt.Errorf("%w: %w", ErrIncompleteStream, err)))
	default:
		o.fault(NewStreamError(KindConnection, "read", err))
	}
}

func (o *Orchestrator) handleChunk(ctx context.Context, m protocol.AudioChunk) error {
	if o.haveID && m.ID <= o.lastID {
		o.logger.Warn("Chunk id out of sequence", "id", m.ID, "previous", o.lastID)
	}
	o.lastID, o.haveID = m.ID, true
	o.chunks.Add(1)
	o.logger.Debug("Chunk received", "id", m.ID, "samples", len(m.Samples),
		"seconds", fmt.Sprintf("%.2f", m.Duration()))

	samples := o.adapt(m)
	written, err := o.writeSamples(ctx, m.ID, samples)
	o.samples.Add(int64(written))
	o.metrics.RecordChunk(ctx, written)
	if err != nil {
		return err
	}

	buffered := o.buf.BufferedSeconds()
	o.machine.Dispatch(ChunkReceivedEvent(m.ID, len(samples)), buffered)
	if o.machine.Current() == StatePlaying && buffered < o.machine.Config().MinBufferSeconds {
		o.machine.Dispatch(BufferLowEvent(), buffered)
	}
	return nil
}

// adapt converts a chunk to the device sample rate.
func (o *Orchestrator) adapt(m protocol.AudioChunk) []float32 {
	target := o.cfg.Audio.SampleRate
	if m.SampleRate == target {
		return m.Samples
	}
	if o.resampler == nil || o.resampler.InputRate() != m.SampleRate {
		o.logger.Debug("Resampling chunks", "from", m.SampleRate, "to", target)
		o.resampler = audio.NewResampler(m.SampleRate, target)
	}
	return o.resampler.Resample(m.Samples)
}

// writeSamples writes every sample, retrying while the buffer is full. A
// buffer that stays full past the backpressure timeout is an error.
func (o *Orchestrator) writeSamples(ctx context.Context, id uint32, samples []float32) (int, error) {
	written := o.buf.Write(samples)
	if written == len(samples) {
		return written, nil
	}

	interval := o.cfg.Playback.BackpressureInterval
	deadline := time.Now().Add(o.cfg.Playback.BackpressureTimeout)
	timer := time.NewTimer(interval)
	defer timer.Stop()

	o.logger.Debug("Buffer full, waiting for space", "chunk", id, "pending", len(samples)-written)

	for written < len(samples) {
		switch s := o.machine.Current(); {
		case s.IsTerminal():
			return written, nil
		case s == StateBuffering || s == StateRebuffering:
			// Nothing drains the buffer until playback starts.
			o.machine.Dispatch(ChunkReceivedEvent(id, written), o.buf.BufferedSeconds())
		}

		if time.Now().After(deadline) {
			return written, NewStreamError(KindBackpressure, "write",
				fmt.Errorf("%w: chunk %d has %d samples pending after %v",
					ErrBackpressureTimeout, id, len(samples)-written, o.cfg.Playback.BackpressureTimeout))
		}

		timer.Reset(interval)
		select {
		case <-ctx.Done():
			o.Cancel(cancelReason(ctx))
			return written, nil
		case <-timer.C:
		}
		written += o.buf.Write(samples[written:])
	}
	return written, nil
}

func (o *Orchestrator) handleEnd(m protocol.StreamEnd) {
	if got := o.chunks.Load(); got != int64(m.TotalChunks) {
		o.logger.Warn("Chunk count mismatch", "received", got, "announced", m.TotalChunks)
	}
	o.machine.Dispatch(GenerationCompleteEvent(m.TotalChunks), o.buf.BufferedSeconds())
}

func (o *Orchestrator) handleError(m protocol.StreamError) {
	err := NewStreamError(KindGeneration, "generate", fmt.Errorf("%w: %s", ErrGenerationFailed, m.Message))
	if IsFatal(err, o.player.Started()) {
		o.logger.Error("Backend reported failure", "message", m.Message, "state", o.machine.Current())
	} else {
		o.logger.Warn("Backend failed, playing buffered audio", "message", m.Message,
			"buffered", fmt.Sprintf("%.2f", o.buf.BufferedSeconds()))
	}
	o.machine.Dispatch(GenerationErrorEvent(err), o.buf.BufferedSeconds())
}

// drain waits for the device to play what is left, then finishes.
func (o *Orchestrator) drain(ctx context.Context) {
	if o.machine.Current() != StateDraining {
		return
	}

	if o.player.Started() {
		waitCtx := ctx
		if timeout := o.cfg.Playback.FinishTimeout; timeout > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		if err := o.player.WaitForFinish(waitCtx); err != nil {
			switch {
			case o.machine.Current().IsTerminal():
			case ctx.Err() != nil:
				o.Cancel(cancelReason(ctx))
			default:
				o.fault(NewStreamError(KindDevice, "drain", err))
			}
			return
		}
	}

	o.machine.Dispatch(BufferEmptyEvent(), o.buf.BufferedSeconds())
}

// monitor samples buffer health while audio is playing so stalls in
// generation are noticed between chunks.
func (o *Orchestrator) monitor() {
	interval := o.cfg.Playback.MonitorInterval
	if interval <= 0 {
		return
	}
	thresholds := o.machine.Config()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-o.done:
			return
		case <-ticker.C:
		}

		buffered := o.buf.BufferedSeconds()
		switch o.machine.Current() {
		case StatePlaying:
			if buffered < thresholds.MinBufferSeconds {
				o.machine.Dispatch(BufferLowEvent(), buffered)
			}
		case StateRebuffering:
			if buffered >= thresholds.ResumeBufferSeconds {
				o.machine.Dispatch(BufferOKEvent(), buffered)
			}
		case StateFinished, StateError:
			return
		}
	}
}

// onTransition applies the side effects of a state change. It runs with
// the state machine locked, so anything that must dispatch is started on
// its own goroutine.
func (o *Orchestrator) onTransition(t Transition) {
	o.logger.Debug("State transition",
		"from", t.From,
		"to", t.To,
		"event", t.Event,
		"buffered", fmt.Sprintf("%.2f", t.BufferedSeconds))

	o.resMu.Lock()
	ctx, span := o.runCtx, o.span
	o.resMu.Unlock()

	o.metrics.RecordTransition(ctx, t)
	if span != nil {
		span.AddEvent("transition", trace.WithAttributes(
			attribute.String("from", t.From.String()),
			attribute.String("to", t.To.String()),
			attribute.String("event", t.Event.Type.String()),
			attribute.Float64("buffered_seconds", t.BufferedSeconds),
		))
	}

	switch t.To {
	case StatePlaying:
		o.startPlayer()

	case StateDraining:
		if t.Event.Type == EventGenerationError {
			o.setGenerationError(t.Event.Err)
		}
		o.player.StartDraining()
		// Short streams never reached the initial threshold.
		if !o.player.Started() && o.buf.AvailableRead() > 0 {
			o.startPlayer()
		}

	case StateFinished:
		if t.Event.Type == EventCancel {
			o.resMu.Lock()
			o.cancelled = true
			o.cancelReason = t.Event.Reason
			o.resMu.Unlock()
			o.logger.Info("Stream cancelled", "reason", t.Event.Reason)
		}
		o.teardown()

	case StateError:
		o.setErr(t.Event.Err)
		o.teardown()
	}
}

func (o *Orchestrator) onRebuffer(t Transition) {
	o.rebuffers.Add(1)
	o.logger.Warn("Buffer low, rebuffering", "buffered", fmt.Sprintf("%.2f", t.BufferedSeconds))
}

func (o *Orchestrator) startPlayer() {
	if o.player.Started() {
		return
	}
	if err := o.player.Start(); err != nil {
		go o.fault(NewStreamError(KindDevice, "start playback", err))
	}
}

func (o *Orchestrator) onPlayerError(err error) {
	o.fault(NewStreamError(KindDevice, "playback", err))
}

func (o *Orchestrator) fault(err error) {
	o.machine.Dispatch(FaultEvent(err), o.buf.BufferedSeconds())
}

func (o *Orchestrator) setErr(err error) {
	if err == nil {
		err = errors.New("stream failed")
	}
	o.resMu.Lock()
	defer o.resMu.Unlock()
	if o.err == nil {
		o.err = err
	}
}

func (o *Orchestrator) setGenerationError(err error) {
	o.resMu.Lock()
	defer o.resMu.Unlock()
	o.genErr = err
}

// teardown releases the socket and the player once, off the caller's
// goroutine. Run waits on teardownDone.
func (o *Orchestrator) teardown() {
	o.teardownOnce.Do(func() {
		go func() {
			defer close(o.teardownDone)
			o.closeConn()
			if err := o.player.Stop(); err != nil {
				o.logger.Warn("Stopping player", "error", err)
			}
		}()
	})
}

func (o *Orchestrator) result(start time.Time) *StreamResult {
	final := o.machine.Current()
	history := o.machine.History()
	samples := o.samples.Load()

	o.resMu.Lock()
	defer o.resMu.Unlock()

	r := &StreamResult{
		Success:              final == StateFinished,
		TotalChunks:          int(o.chunks.Load()),
		TotalSamples:         samples,
		TotalDurationSeconds: float64(samples) / float64(o.cfg.Audio.SampleRate),
		UnderrunCount:        o.player.Underruns(),
		UnderrunSamples:      o.buf.UnderrunSamples(),
		RebufferCount:        int(o.rebuffers.Load()),
		FinalState:           final,
		Cancelled:            o.cancelled,
		CancelReason:         o.cancelReason,
		Elapsed:              time.Since(start),
		Transitions:          history,
	}
	if final == StateError {
		r.Err = o.err
	}
	if o.genErr != nil && final == StateFinished {
		r.Partial = true
		r.GenerationError = o.genErr.Error()
	}
	return r
}

func cancelReason(ctx context.Context) string {
	if cause := context.Cause(ctx); cause != nil {
		return cause.Error()
	}
	return "context done"
}
