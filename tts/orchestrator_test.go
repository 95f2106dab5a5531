package tts

import (
	"bufio"
	"context"
	"errors"
	"io"
	"math"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/dgnsrekt/speak/tts/audio"
	"github.com/dgnsrekt/speak/tts/backend"
	"github.com/dgnsrekt/speak/tts/protocol"
)

const testRate = 8000

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Audio.SampleRate = testRate
	cfg.Audio.BlockSize = 256
	cfg.Audio.Device = audio.DeviceMock
	cfg.Buffer = BufferConfig{
		InitialSeconds:  0.5,
		MinSeconds:      0.1,
		ResumeSeconds:   0.3,
		CapacitySeconds: 2,
	}
	cfg.Playback = PlaybackConfig{
		BackpressureInterval: time.Millisecond,
		BackpressureTimeout:  2 * time.Second,
		MonitorInterval:      5 * time.Millisecond,
		FinishTimeout:        5 * time.Second,
	}
	return cfg
}

// scriptedBackend serves one request over net.Pipe and runs script on the
// server end. The connection is closed when script returns.
func scriptedBackend(t *testing.T, script func(w *protocol.Writer, conn net.Conn)) (backend.Dialer, <-chan backend.Request) {
	t.Helper()
	reqs := make(chan backend.Request, 1)
	var wg sync.WaitGroup
	t.Cleanup(wg.Wait)

	dial := backend.DialerFunc(func(ctx context.Context) (net.Conn, error) {
		client, server := net.Pipe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer server.Close()
			req, err := backend.ReadRequest(bufio.NewReader(server))
			if err != nil {
				return
			}
			reqs <- req
			script(protocol.NewWriter(server), server)
		}()
		return client, nil
	})
	return dial, reqs
}

// sendChunks writes n chunks of size samples, all set to value.
func sendChunks(w *protocol.Writer, n, size, rate int, value float32) error {
	samples := make([]float32, size)
	for i := range samples {
		samples[i] = value
	}
	for i := 0; i < n; i++ {
		if err := w.WriteChunk(uint32(i), samples, rate); err != nil {
			return err
		}
	}
	return nil
}

// block waits until the client closes the connection.
func block(conn net.Conn) {
	_, _ = io.Copy(io.Discard, conn)
}

func newDevice() *audio.MockDevice {
	return audio.NewMockDevice(audio.MockDeviceOptions{
		SampleRate:   testRate,
		BlockSize:    256,
		PullInterval: time.Millisecond,
	})
}

func quietLogger() *log.Logger {
	return log.New(io.Discard)
}

func newTestRequest(t *testing.T) backend.Request {
	t.Helper()
	req, err := backend.DefaultConfig().NewRequest("hello there")
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func nonZero(samples []float32) int {
	n := 0
	for _, s := range samples {
		if s != 0 {
			n++
		}
	}
	return n
}

func states(ts []Transition) []StateType {
	out := make([]StateType, 0, len(ts)+1)
	if len(ts) > 0 {
		out = append(out, ts[0].From)
	}
	for _, t := range ts {
		out = append(out, t.To)
	}
	return out
}

func signalOn(state StateType, ch chan<- struct{}) Option {
	return WithTransitionListener(func(t Transition) {
		if t.To == state {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	})
}

// spyPlayback counts Stop calls on a real player.
type spyPlayback struct {
	Playback
	stops atomic.Int32
}

func (s *spyPlayback) Stop() error {
	s.stops.Add(1)
	return s.Playback.Stop()
}

// stuckPlayback never reads from the buffer.
type stuckPlayback struct {
	mu       sync.Mutex
	started  bool
	finished chan struct{}
	once     sync.Once
}

func newStuckPlayback() *stuckPlayback {
	return &stuckPlayback{finished: make(chan struct{})}
}

func (p *stuckPlayback) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = true
	return nil
}
func (p *stuckPlayback) StartDraining() {}
func (p *stuckPlayback) Stop() error {
	p.once.Do(func() { close(p.finished) })
	return nil
}
func (p *stuckPlayback) WaitForFinish(ctx context.Context) error {
	select {
	case <-p.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
func (p *stuckPlayback) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
func (p *stuckPlayback) Underruns() int { return 0 }

func runWithTimeout(t *testing.T, o *Orchestrator, ctx context.Context) (*StreamResult, error) {
	t.Helper()
	type out struct {
		res *StreamResult
		err error
	}
	req := newTestRequest(t)
	ch := make(chan out, 1)
	go func() {
		res, err := o.Run(ctx, req)
		ch <- out{res, err}
	}()
	select {
	case r := <-ch:
		return r.res, r.err
	case <-time.After(10 * time.Second):
		t.Fatal("Run() did not return")
		return nil, nil
	}
}

func TestRunCompletes(t *testing.T) {
	dial, reqs := scriptedBackend(t, func(w *protocol.Writer, conn net.Conn) {
		if sendChunks(w, 10, 800, testRate, 0.25) == nil {
			_ = w.WriteEnd()
		}
	})
	dev := newDevice()

	o, err := New(testConfig(), WithDialer(dial), WithDevice(dev), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	res, err := runWithTimeout(t, o, context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !res.Success || res.FinalState != StateFinished {
		t.Errorf("result = %s", res)
	}
	if res.TotalChunks != 10 || res.TotalSamples != 8000 {
		t.Errorf("chunks = %d, samples = %d", res.TotalChunks, res.TotalSamples)
	}
	if math.Abs(res.TotalDurationSeconds-1.0) > 1e-9 {
		t.Errorf("TotalDurationSeconds = %f", res.TotalDurationSeconds)
	}
	if got := nonZero(dev.Received()); got != 8000 {
		t.Errorf("device played %d samples, want 8000", got)
	}
	if res.Cancelled || res.Partial {
		t.Errorf("unexpected flags: %+v", res)
	}

	path := states(res.Transitions)
	if len(path) < 4 || path[0] != StateIdle || path[1] != StateBuffering || path[2] != StatePlaying {
		t.Errorf("path = %v", path)
	}
	if n := len(path); path[n-2] != StateDraining || path[n-1] != StateFinished {
		t.Errorf("path = %v", path)
	}

	req := <-reqs
	if req.Method != backend.MethodStreamBinary || req.Params.Text != "hello there" {
		t.Errorf("request = %+v", req)
	}
	if st := o.Status(); st.Chunks != 10 || st.State != StateFinished {
		t.Errorf("Status() = %+v", st)
	}
}

func TestRunShortTextSkipsPlaying(t *testing.T) {
	dial, _ := scriptedBackend(t, func(w *protocol.Writer, conn net.Conn) {
		if sendChunks(w, 1, 800, testRate, 0.5) == nil {
			_ = w.WriteEnd()
		}
	})
	dev := newDevice()

	o, err := New(testConfig(), WithDialer(dial), WithDevice(dev), WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	res, err := runWithTimeout(t, o, context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []StateType{StateIdle, StateBuffering, StateDraining, StateFinished}
	got := states(res.Transitions)
	if len(got) != len(want) {
		t.Fatalf("path = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("path = %v, want %v", got, want)
		}
	}
	if n := nonZero(dev.Received()); n != 800 {
		t.Errorf("device played %d samples, want 800", n)
	}
}

func TestRunRebuffers(t *testing.T) {
	dial, _ := scriptedBackend(t, func(w *protocol.Writer, conn net.Conn) {
		if sendChunks(w, 5, 800, testRate, 0.25) != nil {
			return
		}
		// The device empties the buffer long before the next chunk.
		time.Sleep(300 * time.Millisecond)
		samples := make([]float32, 800)
		for i := range samples {
			samples[i] = 0.25
		}
		for i := 0; i < 4; i++ {
			if w.WriteChunk(uint32(5+i), samples, testRate) != nil {
				return
			}
		}
		_ = w.WriteEnd()
	})
	dev := newDevice()

	o, err := New(testConfig(), WithDialer(dial), WithDevice(dev), WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	res, err := runWithTimeout(t, o, context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []StateType{
		StateIdle, StateBuffering, StatePlaying, StateRebuffering,
		StatePlaying, StateDraining, StateFinished,
	}
	got := states(res.Transitions)
	if len(got) != len(want) {
		t.Fatalf("path = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("path = %v, want %v", got, want)
		}
	}
	if res.RebufferCount != 1 {
		t.Errorf("RebufferCount = %d, want 1", res.RebufferCount)
	}
	if res.TotalChunks != 9 || res.TotalSamples != 7200 {
		t.Errorf("chunks = %d, samples = %d", res.TotalChunks, res.TotalSamples)
	}
	if n := nonZero(dev.Received()); n != 7200 {
		t.Errorf("device played %d samples, want 7200", n)
	}
	if st := o.Status(); st.Rebuffers != 1 {
		t.Errorf("Status().Rebuffers = %d", st.Rebuffers)
	}
}

func TestRunEmptyStream(t *testing.T) {
	dial, _ := scriptedBackend(t, func(w *protocol.Writer, conn net.Conn) {
		_ = w.WriteEnd()
	})
	dev := newDevice()

	o, err := New(testConfig(), WithDialer(dial), WithDevice(dev), WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	res, err := runWithTimeout(t, o, context.Background())
	if err != nil || !res.Success {
		t.Fatalf("Run() = %v, %v", res, err)
	}
	if dev.Pulls() != 0 {
		t.Errorf("device pulled %d times for an empty stream", dev.Pulls())
	}
}

func TestRunFailures(t *testing.T) {
	tests := []struct {
		name     string
		script   func(w *protocol.Writer, conn net.Conn)
		wantKind ErrorKind
		wantErr  error
	}{
		{
			name: "generation error while buffering",
			script: func(w *protocol.Writer, conn net.Conn) {
				if sendChunks(w, 1, 800, testRate, 0.25) == nil {
					_ = w.WriteError("model crashed")
				}
			},
			wantKind: KindGeneration,
			wantErr:  ErrGenerationFailed,
		},
		{
			name: "connection closed before end",
			script: func(w *protocol.Writer, conn net.Conn) {
				_ = sendChunks(w, 2, 800, testRate, 0.25)
			},
			wantKind: KindConnection,
			wantErr:  ErrIncompleteStream,
		},
		{
			name: "bad magic",
			script: func(w *protocol.Writer, conn net.Conn) {
				_, _ = conn.Write([]byte("RIFF000000000000"))
				block(conn)
			},
			wantKind: KindProtocol,
			wantErr:  protocol.ErrInvalidMagic,
		},
		{
			name: "chunk sample rate out of range",
			script: func(w *protocol.Writer, conn net.Conn) {
				_, _ = conn.Write(protocol.BuildChunkMessage(0, make([]float32, 1000), 1))
				block(conn)
			},
			wantKind: KindProtocol,
			wantErr:  protocol.ErrInvalidSampleRate,
		},
		{
			name: "truncated payload",
			script: func(w *protocol.Writer, conn net.Conn) {
				frame := protocol.BuildChunkMessage(0, make([]float32, 100), testRate)
				_, _ = conn.Write(frame[:len(frame)-10])
			},
			wantKind: KindConnection,
			wantErr:  ErrIncompleteStream,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dial, _ := scriptedBackend(t, tt.script)
			o, err := New(testConfig(), WithDialer(dial), WithDevice(newDevice()), WithLogger(quietLogger()))
			if err != nil {
				t.Fatal(err)
			}

			res, err := runWithTimeout(t, o, context.Background())
			if err == nil {
				t.Fatalf("Run() succeeded: %s", res)
			}
			if res.Success || res.FinalState != StateError {
				t.Errorf("result = %s", res)
			}
			if res.Err != err {
				t.Errorf("result error %v differs from returned %v", res.Err, err)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if kind, ok := KindOf(err); !ok || kind != tt.wantKind {
				t.Errorf("KindOf() = %v, %v, want %v", kind, ok, tt.wantKind)
			}
		})
	}
}

func TestRunDialFailure(t *testing.T) {
	refused := errors.New("connection refused")
	dial := backend.DialerFunc(func(ctx context.Context) (net.Conn, error) {
		return nil, refused
	})
	dev := newDevice()
	o, err := New(testConfig(), WithDialer(dial), WithDevice(dev), WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}

	res, err := runWithTimeout(t, o, context.Background())
	if !errors.Is(err, refused) {
		t.Fatalf("Run() error = %v", err)
	}
	if kind, _ := KindOf(err); kind != KindConnection {
		t.Errorf("kind = %v", kind)
	}
	if res.FinalState != StateError || dev.Pulls() != 0 {
		t.Errorf("result = %s, pulls = %d", res, dev.Pulls())
	}
}

func TestRunGenerationErrorAfterPlaybackIsPartial(t *testing.T) {
	dial, _ := scriptedBackend(t, func(w *protocol.Writer, conn net.Conn) {
		if sendChunks(w, 6, 800, testRate, 0.25) == nil {
			_ = w.WriteError("out of memory")
		}
	})
	dev := newDevice()
	playing := make(chan struct{}, 1)

	o, err := New(testConfig(), WithDialer(dial), WithDevice(dev), WithLogger(quietLogger()),
		signalOn(StatePlaying, playing))
	if err != nil {
		t.Fatal(err)
	}
	res, err := runWithTimeout(t, o, context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	select {
	case <-playing:
	default:
		t.Fatal("stream never reached PLAYING")
	}
	if !res.Success || !res.Partial || res.FinalState != StateFinished {
		t.Errorf("result = %s", res)
	}
	if !strings.Contains(res.GenerationError, "out of memory") {
		t.Errorf("GenerationError = %q", res.GenerationError)
	}
	if got := nonZero(dev.Received()); got != 4800 {
		t.Errorf("device played %d samples, want all 4800 buffered", got)
	}
}

func TestCancelWhilePlaying(t *testing.T) {
	dial, _ := scriptedBackend(t, func(w *protocol.Writer, conn net.Conn) {
		if sendChunks(w, 8, 800, testRate, 0.25) == nil {
			block(conn)
		}
	})
	dev := audio.NewMockDevice(audio.MockDeviceOptions{
		SampleRate:   testRate,
		BlockSize:    64,
		PullInterval: 5 * time.Millisecond,
	})
	playing := make(chan struct{}, 1)
	var spy *spyPlayback

	factory := func(buf *audio.RingBuffer, onError func(error)) (Playback, error) {
		spy = &spyPlayback{Playback: audio.NewPlayer(buf, dev, audio.PlayerOptions{
			BlockSize: 64,
			OnError:   onError,
			Logger:    quietLogger(),
		})}
		return spy, nil
	}

	o, err := New(testConfig(), WithDialer(dial), WithPlayerFactory(factory), WithLogger(quietLogger()),
		signalOn(StatePlaying, playing))
	if err != nil {
		t.Fatal(err)
	}

	req := newTestRequest(t)
	done := make(chan *StreamResult, 1)
	go func() {
		res, _ := o.Run(context.Background(), req)
		done <- res
	}()

	select {
	case <-playing:
	case <-time.After(5 * time.Second):
		t.Fatal("stream never reached PLAYING")
	}
	if !o.Cancel("user") {
		t.Fatal("Cancel() reported no live stream")
	}
	if o.State() != StateFinished {
		t.Errorf("state after Cancel() = %v", o.State())
	}
	if o.Cancel("again") {
		t.Error("second Cancel() changed state")
	}

	var res *StreamResult
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after Cancel()")
	}

	if !res.Success || !res.Cancelled || res.CancelReason != "user" || res.Err != nil {
		t.Errorf("result = %s", res)
	}
	if n := spy.stops.Load(); n != 1 {
		t.Errorf("Stop called %d times, want 1", n)
	}
	if dev.CloseCount() != 1 {
		t.Errorf("device closed %d times, want 1", dev.CloseCount())
	}

	pulls := dev.Pulls()
	time.Sleep(30 * time.Millisecond)
	if dev.Pulls() != pulls {
		t.Error("device kept pulling after Run returned")
	}
}

func TestContextCancellation(t *testing.T) {
	dial, _ := scriptedBackend(t, func(w *protocol.Writer, conn net.Conn) {
		if sendChunks(w, 7, 800, testRate, 0.25) == nil {
			block(conn)
		}
	})
	playing := make(chan struct{}, 1)
	o, err := New(testConfig(), WithDialer(dial), WithDevice(newDevice()), WithLogger(quietLogger()),
		signalOn(StatePlaying, playing))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	go func() {
		<-playing
		cancel(errors.New("shutting down"))
	}()

	res, err := runWithTimeout(t, o, ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.Cancelled || res.CancelReason != "shutting down" || res.FinalState != StateFinished {
		t.Errorf("result = %s", res)
	}
}

func TestBackpressureTimeout(t *testing.T) {
	dial, _ := scriptedBackend(t, func(w *protocol.Writer, conn net.Conn) {
		if sendChunks(w, 10, 8000, testRate, 0.25) == nil {
			_ = w.WriteEnd()
		}
	})
	stuck := newStuckPlayback()
	factory := func(*audio.RingBuffer, func(error)) (Playback, error) { return stuck, nil }

	cfg := testConfig()
	cfg.Playback.BackpressureTimeout = 50 * time.Millisecond

	o, err := New(cfg, WithDialer(dial), WithPlayerFactory(factory), WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	res, err := runWithTimeout(t, o, context.Background())
	if !errors.Is(err, ErrBackpressureTimeout) {
		t.Fatalf("Run() error = %v, want backpressure timeout", err)
	}
	if kind, _ := KindOf(err); kind != KindBackpressure {
		t.Errorf("kind = %v", kind)
	}
	if res.TotalSamples != 16000 {
		t.Errorf("TotalSamples = %d, want the 16000 that fit", res.TotalSamples)
	}
	if !stuck.Started() {
		t.Error("player never started although the buffer was full")
	}
}

func TestBackpressureResolves(t *testing.T) {
	// Three seconds of audio through a two second buffer.
	dial, _ := scriptedBackend(t, func(w *protocol.Writer, conn net.Conn) {
		if sendChunks(w, 3, 8000, testRate, 0.25) == nil {
			_ = w.WriteEnd()
		}
	})
	dev := newDevice()
	o, err := New(testConfig(), WithDialer(dial), WithDevice(dev), WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	res, err := runWithTimeout(t, o, context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.TotalSamples != 24000 || nonZero(dev.Received()) != 24000 {
		t.Errorf("samples = %d, played = %d", res.TotalSamples, nonZero(dev.Received()))
	}
}

func TestDeviceFailure(t *testing.T) {
	dial, _ := scriptedBackend(t, func(w *protocol.Writer, conn net.Conn) {
		if sendChunks(w, 8, 800, testRate, 0.25) == nil {
			block(conn)
		}
	})
	dev := audio.NewMockDevice(audio.MockDeviceOptions{
		SampleRate:     testRate,
		BlockSize:      256,
		PullInterval:   time.Millisecond,
		FailAfterPulls: 3,
	})

	o, err := New(testConfig(), WithDialer(dial), WithDevice(dev), WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	res, err := runWithTimeout(t, o, context.Background())
	if !errors.Is(err, audio.ErrDeviceFailure) {
		t.Fatalf("Run() error = %v, want device failure", err)
	}
	if kind, _ := KindOf(err); kind != KindDevice {
		t.Errorf("kind = %v", kind)
	}
	if res.FinalState != StateError {
		t.Errorf("final state = %v", res.FinalState)
	}
}

func TestRunResamples(t *testing.T) {
	dial, _ := scriptedBackend(t, func(w *protocol.Writer, conn net.Conn) {
		if sendChunks(w, 4, 1600, 2*testRate, 0.25) == nil {
			_ = w.WriteEnd()
		}
	})
	o, err := New(testConfig(), WithDialer(dial), WithDevice(newDevice()), WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	res, err := runWithTimeout(t, o, context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if d := res.TotalSamples - 3200; d < -4 || d > 4 {
		t.Errorf("TotalSamples = %d, want about 3200", res.TotalSamples)
	}
}

func TestRunTwice(t *testing.T) {
	dial, _ := scriptedBackend(t, func(w *protocol.Writer, conn net.Conn) {
		_ = w.WriteEnd()
	})
	o, err := New(testConfig(), WithDialer(dial), WithDevice(newDevice()), WithLogger(quietLogger()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := runWithTimeout(t, o, context.Background()); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	if _, err := o.Run(context.Background(), newTestRequest(t)); !errors.Is(err, ErrAlreadyRun) {
		t.Errorf("second Run() error = %v, want ErrAlreadyRun", err)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Buffer.ResumeSeconds = cfg.Buffer.MinSeconds
	if _, err := New(cfg, WithDevice(newDevice())); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("New() error = %v, want ErrInvalidConfig", err)
	}
}

func TestRunRecordsTelemetry(t *testing.T) {
	dial, _ := scriptedBackend(t, func(w *protocol.Writer, conn net.Conn) {
		if sendChunks(w, 5, 800, testRate, 0.25) == nil {
			_ = w.WriteEnd()
		}
	})

	reader := sdkmetric.NewManualReader()
	metrics, err := NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatal(err)
	}
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))

	o, err := New(testConfig(), WithDialer(dial), WithDevice(newDevice()), WithLogger(quietLogger()),
		WithMetrics(metrics), WithTracerProvider(tp))
	if err != nil {
		t.Fatal(err)
	}
	res, err := runWithTimeout(t, o, context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if data, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	if sums["speak.stream.chunks"] != 5 || sums["speak.stream.samples"] != 4000 {
		t.Errorf("chunk metrics = %v", sums)
	}
	if sums["speak.stream.runs"] != 1 {
		t.Errorf("runs = %d", sums["speak.stream.runs"])
	}
	if sums["speak.stream.transitions"] != int64(len(res.Transitions)) {
		t.Errorf("transitions = %d, want %d", sums["speak.stream.transitions"], len(res.Transitions))
	}

	ended := spans.Ended()
	if len(ended) != 1 || ended[0].Name() != "speak.stream" {
		t.Fatalf("spans = %v", ended)
	}
	if got := len(ended[0].Events()); got != len(res.Transitions) {
		t.Errorf("span has %d events, want %d", got, len(res.Transitions))
	}
}
