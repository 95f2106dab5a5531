package audio

import (
	"encoding/binary"
	"io"
	"math"
	"runtime"
	"sync"
	"time"
)

// MockDevice implements Device without audio output. It pulls blocks from
// the source on a fixed cadence, decodes and records everything it
// receives, and can inject failures for tests.
type MockDevice struct {
	opts MockDeviceOptions

	mu         sync.Mutex
	done       chan struct{}
	stop       chan struct{}
	active     bool
	err        error
	received   []float32
	pulls      int
	closeCount int
	history    []DeviceEvent
}

// MockDeviceOptions configures a MockDevice.
type MockDeviceOptions struct {
	SampleRate   int
	BlockSize    int           // samples per pull
	PullInterval time.Duration // zero pulls as fast as possible

	// FailAfterPulls makes the device fail with ErrDeviceFailure after the
	// given number of pulls. Zero disables it.
	FailAfterPulls int
	// CloseAfterPulls makes the device stop on its own, without an error,
	// after the given number of pulls. Zero disables it.
	CloseAfterPulls int
}

// DeviceEvent records a device action for test verification.
type DeviceEvent struct {
	Type      string
	Timestamp time.Time
	Samples   int
}

// NewMockDevice creates a mock device.
func NewMockDevice(opts MockDeviceOptions) *MockDevice {
	if opts.BlockSize <= 0 {
		opts.BlockSize = 1024
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 24000
	}
	done := make(chan struct{})
	close(done)
	return &MockDevice{opts: opts, done: done}
}

// Play starts the pull loop.
func (d *MockDevice) Play(src io.Reader) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.active {
		return ErrDeviceBusy
	}
	d.active = true
	d.err = nil
	d.done = make(chan struct{})
	d.stop = make(chan struct{})
	d.addEvent("play", 0)

	go d.loop(src, d.done, d.stop)
	return nil
}

func (d *MockDevice) loop(src io.Reader, done, stop chan struct{}) {
	var tick <-chan time.Time
	if d.opts.PullInterval > 0 {
		ticker := time.NewTicker(d.opts.PullInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	buf := make([]byte, d.opts.BlockSize*4)
	for pulls := 1; ; pulls++ {
		if tick != nil {
			select {
			case <-stop:
				d.finish(done, nil, "stopped")
				return
			case <-tick:
			}
		} else {
			select {
			case <-stop:
				d.finish(done, nil, "stopped")
				return
			default:
				runtime.Gosched()
			}
		}

		if d.opts.FailAfterPulls > 0 && pulls > d.opts.FailAfterPulls {
			d.finish(done, ErrDeviceFailure, "fail")
			return
		}

		n, err := src.Read(buf)
		d.record(buf[:n-n%4])
		if err == io.EOF {
			d.finish(done, nil, "eof")
			return
		}
		if err != nil {
			d.finish(done, err, "error")
			return
		}

		if d.opts.CloseAfterPulls > 0 && pulls >= d.opts.CloseAfterPulls {
			d.finish(done, nil, "closed")
			return
		}
	}
}

func (d *MockDevice) record(b []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pulls++
	for i := 0; i+4 <= len(b); i += 4 {
		d.received = append(d.received, math.Float32frombits(binary.LittleEndian.Uint32(b[i:])))
	}
	d.addEvent("pull", len(b)/4)
}

func (d *MockDevice) finish(done chan struct{}, err error, event string) {
	d.mu.Lock()
	d.err = err
	d.active = false
	d.addEvent(event, 0)
	d.mu.Unlock()
	close(done)
}

// addEvent must be called with mu held.
func (d *MockDevice) addEvent(eventType string, samples int) {
	d.history = append(d.history, DeviceEvent{
		Type:      eventType,
		Timestamp: time.Now(),
		Samples:   samples,
	})
}

// Done is closed when the pull loop exits.
func (d *MockDevice) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

// Err returns the injected or source failure.
func (d *MockDevice) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Close stops the pull loop and waits for it to exit.
func (d *MockDevice) Close() error {
	d.mu.Lock()
	d.closeCount++
	stop, done, active := d.stop, d.done, d.active
	d.mu.Unlock()

	if active {
		select {
		case <-stop:
		default:
			close(stop)
		}
	}
	<-done
	return nil
}

// SampleRate returns the configured rate.
func (d *MockDevice) SampleRate() int {
	return d.opts.SampleRate
}

// Received returns a copy of every sample the device pulled.
func (d *MockDevice) Received() []float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]float32, len(d.received))
	copy(out, d.received)
	return out
}

// Pulls returns the number of completed reads.
func (d *MockDevice) Pulls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pulls
}

// CloseCount returns how many times Close was called.
func (d *MockDevice) CloseCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeCount
}

// History returns a copy of the recorded events.
func (d *MockDevice) History() []DeviceEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DeviceEvent, len(d.history))
	copy(out, d.history)
	return out
}
