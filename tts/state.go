package tts

import (
	"fmt"
	"sync"
	"time"
)

// StateType is the phase of a streaming operation.
type StateType int

const (
	// StateIdle indicates no operation has started.
	StateIdle StateType = iota
	// StateBuffering indicates audio is accumulating before playback.
	StateBuffering
	// StatePlaying indicates the device is consuming audio.
	StatePlaying
	// StateRebuffering indicates playback fell below the safety threshold
	// and audio is accumulating again.
	StateRebuffering
	// StateDraining indicates generation is over and only buffered audio
	// remains.
	StateDraining
	// StateFinished indicates the operation completed or was cancelled.
	StateFinished
	// StateError indicates the operation failed.
	StateError
)

// String returns the string representation of the state.
func (s StateType) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuffering:
		return "buffering"
	case StatePlaying:
		return "playing"
	case StateRebuffering:
		return "rebuffering"
	case StateDraining:
		return "draining"
	case StateFinished:
		return "finished"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no transition can leave the state.
func (s StateType) IsTerminal() bool {
	return s == StateFinished || s == StateError
}

// EventType identifies a StreamEvent.
type EventType int

const (
	// EventStart begins an operation.
	EventStart EventType = iota
	// EventChunkReceived reports a chunk written to the buffer.
	EventChunkReceived
	// EventGenerationComplete reports the backend's end of stream.
	EventGenerationComplete
	// EventGenerationError reports a failure sent by the backend.
	EventGenerationError
	// EventBufferLow reports buffered audio below the minimum threshold.
	EventBufferLow
	// EventBufferOK reports buffered audio back at the resume threshold.
	EventBufferOK
	// EventBufferEmpty reports that the device played the last sample.
	EventBufferEmpty
	// EventCancel stops the operation without an error.
	EventCancel
	// EventFault carries a fatal protocol, connection, device or
	// backpressure failure.
	EventFault
)

// String returns the string representation of the event type.
func (e EventType) String() string {
	switch e {
	case EventStart:
		return "START"
	case EventChunkReceived:
		return "CHUNK_RECEIVED"
	case EventGenerationComplete:
		return "GENERATION_COMPLETE"
	case EventGenerationError:
		return "GENERATION_ERROR"
	case EventBufferLow:
		return "BUFFER_LOW"
	case EventBufferOK:
		return "BUFFER_OK"
	case EventBufferEmpty:
		return "BUFFER_EMPTY"
	case EventCancel:
		return "CANCEL"
	case EventFault:
		return "FAULT"
	default:
		return "UNKNOWN"
	}
}

// StreamEvent is an input to the state machine. Only the fields relevant to
// Type are set.
type StreamEvent struct {
	Type        EventType
	ChunkID     uint32
	Samples     int
	TotalChunks uint32
	Reason      string
	Err         error
}

// String returns a compact description of the event.
func (e StreamEvent) String() string {
	switch e.Type {
	case EventChunkReceived:
		return fmt.Sprintf("%s(id=%d samples=%d)", e.Type, e.ChunkID, e.Samples)
	case EventGenerationComplete:
		return fmt.Sprintf("%s(total=%d)", e.Type, e.TotalChunks)
	case EventCancel:
		return fmt.Sprintf("%s(%s)", e.Type, e.Reason)
	case EventGenerationError, EventFault:
		if e.Err != nil {
			return fmt.Sprintf("%s(%v)", e.Type, e.Err)
		}
	}
	return e.Type.String()
}

// StartEvent returns an EventStart event.
func StartEvent() StreamEvent { return StreamEvent{Type: EventStart} }

// ChunkReceivedEvent returns an event for chunk id carrying samples samples.
func ChunkReceivedEvent(id uint32, samples int) StreamEvent {
	return StreamEvent{Type: EventChunkReceived, ChunkID: id, Samples: samples}
}

// GenerationCompleteEvent returns an event for an end of stream announcing
// total chunks.
func GenerationCompleteEvent(total uint32) StreamEvent {
	return StreamEvent{Type: EventGenerationComplete, TotalChunks: total}
}

// GenerationErrorEvent returns an event for a backend failure.
func GenerationErrorEvent(err error) StreamEvent {
	return StreamEvent{Type: EventGenerationError, Err: err}
}

// BufferLowEvent returns an EventBufferLow event.
func BufferLowEvent() StreamEvent { return StreamEvent{Type: EventBufferLow} }

// BufferOKEvent returns an EventBufferOK event.
func BufferOKEvent() StreamEvent { return StreamEvent{Type: EventBufferOK} }

// BufferEmptyEvent returns an EventBufferEmpty event.
func BufferEmptyEvent() StreamEvent { return StreamEvent{Type: EventBufferEmpty} }

// CancelEvent returns a cancellation with reason.
func CancelEvent(reason string) StreamEvent {
	return StreamEvent{Type: EventCancel, Reason: reason}
}

// FaultEvent returns a fatal failure event.
func FaultEvent(err error) StreamEvent {
	return StreamEvent{Type: EventFault, Err: err}
}

// StreamConfig holds the buffering thresholds, in seconds of audio.
type StreamConfig struct {
	InitialBufferSeconds float64
	MinBufferSeconds     float64
	ResumeBufferSeconds  float64
}

// NewStreamConfig validates and returns buffering thresholds. Resume must
// exceed min so playback does not flap around a single threshold.
func NewStreamConfig(initial, minimum, resume float64) (StreamConfig, error) {
	switch {
	case initial <= 0:
		return StreamConfig{}, fmt.Errorf("%w: initial buffer must be positive, got %.2fs", ErrInvalidConfig, initial)
	case minimum < 0:
		return StreamConfig{}, fmt.Errorf("%w: min buffer must not be negative, got %.2fs", ErrInvalidConfig, minimum)
	case resume <= minimum:
		return StreamConfig{}, fmt.Errorf("%w: resume buffer %.2fs must exceed min buffer %.2fs", ErrInvalidConfig, resume, minimum)
	}
	return StreamConfig{
		InitialBufferSeconds: initial,
		MinBufferSeconds:     minimum,
		ResumeBufferSeconds:  resume,
	}, nil
}

// Next returns the state that follows s when ev arrives with the given
// amount of buffered audio. Pairs not listed leave the state unchanged.
func Next(cfg StreamConfig, s StateType, ev StreamEvent, buffered float64) StateType {
	if s.IsTerminal() {
		return s
	}

	switch ev.Type {
	case EventCancel:
		return StateFinished
	case EventFault:
		return StateError
	}

	switch s {
	case StateIdle:
		if ev.Type == EventStart {
			return StateBuffering
		}

	case StateBuffering:
		switch ev.Type {
		case EventChunkReceived:
			if buffered >= cfg.InitialBufferSeconds {
				return StatePlaying
			}
		case EventGenerationComplete:
			return StateDraining
		case EventGenerationError:
			return StateError
		}

	case StatePlaying:
		switch ev.Type {
		case EventBufferLow:
			if buffered < cfg.MinBufferSeconds {
				return StateRebuffering
			}
		case EventGenerationComplete, EventGenerationError:
			return StateDraining
		}

	case StateRebuffering:
		switch ev.Type {
		case EventChunkReceived, EventBufferOK:
			if buffered >= cfg.ResumeBufferSeconds {
				return StatePlaying
			}
		case EventGenerationComplete, EventGenerationError:
			return StateDraining
		}

	case StateDraining:
		if ev.Type == EventBufferEmpty {
			return StateFinished
		}
	}

	return s
}

// Transition records one realized state change.
type Transition struct {
	From            StateType
	To              StateType
	Event           StreamEvent
	BufferedSeconds float64
	At              time.Time
}

// String returns a formatted transition record.
func (t Transition) String() string {
	return fmt.Sprintf("%s -> %s on %s (buffered %.2fs)", t.From, t.To, t.Event, t.BufferedSeconds)
}

// StateMachine applies Next to a current state and notifies listeners of
// every realized transition. Listeners run synchronously while the machine
// is locked, in registration order, and must not call Dispatch.
type StateMachine struct {
	mu        sync.Mutex
	cfg       StreamConfig
	current   StateType
	history   []Transition
	listeners []func(Transition)
	onEnter   map[StateType][]func(Transition)
	now       func() time.Time
}

// NewStateMachine creates a state machine in StateIdle.
func NewStateMachine(cfg StreamConfig) *StateMachine {
	return &StateMachine{
		cfg:     cfg,
		current: StateIdle,
		onEnter: make(map[StateType][]func(Transition)),
		now:     time.Now,
	}
}

// Dispatch feeds ev to the machine. It returns the transition and true when
// the state changed.
func (sm *StateMachine) Dispatch(ev StreamEvent, buffered float64) (Transition, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	next := Next(sm.cfg, sm.current, ev, buffered)
	if next == sm.current {
		return Transition{}, false
	}

	t := Transition{
		From:            sm.current,
		To:              next,
		Event:           ev,
		BufferedSeconds: buffered,
		At:              sm.now(),
	}
	sm.current = next
	sm.history = append(sm.history, t)

	for _, fn := range sm.listeners {
		fn(t)
	}
	for _, fn := range sm.onEnter[next] {
		fn(t)
	}
	return t, true
}

// Current returns the current state.
func (sm *StateMachine) Current() StateType {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current
}

// Config returns the thresholds the machine was built with.
func (sm *StateMachine) Config() StreamConfig {
	return sm.cfg
}

// OnTransition registers a listener for every realized transition.
func (sm *StateMachine) OnTransition(fn func(Transition)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.listeners = append(sm.listeners, fn)
}

// OnEnter registers a callback for entering a state.
func (sm *StateMachine) OnEnter(state StateType, fn func(Transition)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onEnter[state] = append(sm.onEnter[state], fn)
}

// History returns a copy of all realized transitions.
func (sm *StateMachine) History() []Transition {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make([]Transition, len(sm.history))
	copy(out, sm.history)
	return out
}
