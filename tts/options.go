package tts

import (
	"context"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/trace"

	"github.com/dgnsrekt/speak/tts/audio"
	"github.com/dgnsrekt/speak/tts/backend"
)

// Playback is the part of audio.Player the Orchestrator drives.
type Playback interface {
	Start() error
	StartDraining()
	Stop() error
	WaitForFinish(ctx context.Context) error
	Started() bool
	Underruns() int
}

// PlayerFactory creates the Playback for a run. onError must be called if
// the device fails or closes before the end of the stream.
type PlayerFactory func(buf *audio.RingBuffer, onError func(error)) (Playback, error)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. The orchestrator tags it with its component.
func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithDialer sets how the backend is reached.
func WithDialer(d backend.Dialer) Option {
	return func(o *Orchestrator) { o.dialer = d }
}

// WithDevice sets the audio device used by the default player.
func WithDevice(d audio.Device) Option {
	return func(o *Orchestrator) { o.device = d }
}

// WithPlayerFactory replaces the default audio.Player.
func WithPlayerFactory(f PlayerFactory) Option {
	return func(o *Orchestrator) { o.newPlayer = f }
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracerProvider sets where the per-run span is recorded.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) { o.tracerProvider = tp }
}

// WithTransitionListener registers fn for every realized transition. It
// runs with the state machine locked and must not call Cancel.
func WithTransitionListener(fn func(Transition)) Option {
	return func(o *Orchestrator) { o.listeners = append(o.listeners, fn) }
}
