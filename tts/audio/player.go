package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

// ErrPlayerStopped is returned by Start after Stop.
var ErrPlayerStopped = errors.New("player stopped")

// PlayerState reflects what the device is doing with the stream.
type PlayerState int

const (
	// PlayerIdle means the device has not started pulling.
	PlayerIdle PlayerState = iota
	// PlayerPlaying means the device is pulling and more audio may arrive.
	PlayerPlaying
	// PlayerDraining means no more audio will arrive.
	PlayerDraining
	// PlayerFinished means the device has released the stream.
	PlayerFinished
)

// String returns the string representation of the player state.
func (s PlayerState) String() string {
	switch s {
	case PlayerIdle:
		return "idle"
	case PlayerPlaying:
		return "playing"
	case PlayerDraining:
		return "draining"
	case PlayerFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// PlayerOptions configures a Player.
type PlayerOptions struct {
	// BlockSize caps the number of samples handed to the device per pull.
	BlockSize int
	// OnError is called once if the device fails or closes before the end
	// of the stream. It is not called after Stop.
	OnError func(error)
	Logger  *log.Logger
}

// Player bridges a RingBuffer to a pull-based Device. The device calls Read
// on its own goroutine; Read and Stop are serialized so Stop never races an
// in-flight pull.
type Player struct {
	buf       *RingBuffer
	device    Device
	blockSize int
	onError   func(error)
	logger    *log.Logger

	mu       sync.Mutex
	scratch  []float32
	state    PlayerState
	started  bool
	draining bool
	ended    bool // final block delivered; next Read returns io.EOF
	stopped  bool
	err      error

	underruns  atomic.Int64
	finished   chan struct{}
	finishOnce sync.Once
}

// NewPlayer creates a player that feeds buf to device.
func NewPlayer(buf *RingBuffer, device Device, opts PlayerOptions) *Player {
	if opts.BlockSize <= 0 {
		opts.BlockSize = 1024
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Player{
		buf:       buf,
		device:    device,
		blockSize: opts.BlockSize,
		onError:   opts.OnError,
		logger:    opts.Logger,
		scratch:   make([]float32, opts.BlockSize),
		finished:  make(chan struct{}),
	}
}

// Start makes the device begin pulling. Calling it again is a no-op.
func (p *Player) Start() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrPlayerStopped
	}
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.state = PlayerPlaying
	if p.draining {
		p.state = PlayerDraining
	}
	p.mu.Unlock()

	if err := p.device.Play(p); err != nil {
		p.mu.Lock()
		p.err = err
		p.state = PlayerFinished
		p.mu.Unlock()
		p.finish()
		return fmt.Errorf("starting playback: %w", err)
	}

	p.logger.Debug("Playback started", "buffered", p.buf.BufferedSeconds())
	go p.watch()
	return nil
}

// StartDraining tells the player that no more audio will be written. The
// device is released once the buffer runs dry.
func (p *Player) StartDraining() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.draining = true
	if p.started && p.state == PlayerPlaying {
		p.state = PlayerDraining
	}
}

// Read implements io.Reader for the device. It encodes up to one block of
// samples as float32 little-endian. While draining, the block that empties
// the buffer is returned normally and the following call returns io.EOF.
func (p *Player) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped || p.ended {
		return 0, io.EOF
	}

	n := min(len(b)/4, p.blockSize)
	if n == 0 {
		return 0, io.ErrShortBuffer
	}

	if p.draining {
		avail := p.buf.AvailableRead()
		if avail == 0 {
			p.ended = true
			return 0, io.EOF
		}
		n = min(n, avail)
	}

	block := p.scratch[:n]
	got := p.buf.Read(block)

	if p.draining && p.buf.IsEmpty() {
		p.ended = true
	} else if got < n {
		p.underruns.Add(1)
	}

	for i, s := range block {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(s))
	}
	return n * 4, nil
}

// watch waits for the device to release the stream.
func (p *Player) watch() {
	<-p.device.Done()
	devErr := p.device.Err()

	p.mu.Lock()
	var err error
	switch {
	case p.stopped:
	case devErr != nil:
		err = devErr
	case !p.ended:
		err = ErrDeviceClosed
	}
	if err != nil && p.err == nil {
		p.err = err
	}
	p.state = PlayerFinished
	p.mu.Unlock()

	if err != nil {
		p.logger.Error("Audio device stopped", "error", err)
		if p.onError != nil {
			p.onError(err)
		}
	} else {
		p.logger.Debug("Playback finished", "underruns", p.underruns.Load())
	}
	p.finish()
}

func (p *Player) finish() {
	p.finishOnce.Do(func() { close(p.finished) })
}

// Stop halts playback immediately. It waits for any in-flight pull and is
// safe to call more than once.
func (p *Player) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	started := p.started
	p.mu.Unlock()

	if !started {
		p.mu.Lock()
		p.state = PlayerFinished
		p.mu.Unlock()
		p.finish()
		return nil
	}

	if err := p.device.Close(); err != nil {
		return fmt.Errorf("closing audio device: %w", err)
	}
	return nil
}

// WaitForFinish blocks until the device has released the stream.
func (p *Player) WaitForFinish(ctx context.Context) error {
	select {
	case <-p.finished:
		return p.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Started reports whether Start has been called successfully.
func (p *Player) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// State returns the current player state.
func (p *Player) State() PlayerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Err returns the failure that ended playback, if any.
func (p *Player) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Underruns returns the number of pulls that had to be padded with silence.
func (p *Player) Underruns() int {
	return int(p.underruns.Load())
}
