//go:build !nocgo
// +build !nocgo

package audio

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ebitengine/oto/v3"
)

const otoMonitorInterval = 20 * time.Millisecond

// OtoDevice plays through the system audio output. oto allows a single
// context per process, so create one OtoDevice and share it between streams.
type OtoDevice struct {
	ctx        *oto.Context
	sampleRate int
	volume     float64

	mu     sync.Mutex
	player *oto.Player
	done   chan struct{}
	stop   chan struct{}
	err    error
}

// NewOtoDevice opens the system output for mono float32 samples.
func NewOtoDevice(sampleRate int, volume float64) (*OtoDevice, error) {
	options := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatFloat32LE,
		BufferSize:   50 * time.Millisecond,
	}

	log.Debug("Initializing audio context", "sample_rate", sampleRate)

	ctx, ready, err := oto.NewContext(options)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		return nil, fmt.Errorf("%w: audio context initialization timed out", ErrDeviceUnavailable)
	}

	done := make(chan struct{})
	close(done)
	return &OtoDevice{ctx: ctx, sampleRate: sampleRate, volume: volume, done: done}, nil
}

// Play creates an oto player pulling from src.
func (d *OtoDevice) Play(src io.Reader) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	select {
	case <-d.done:
	default:
		return ErrDeviceBusy
	}

	if err := d.ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	p := d.ctx.NewPlayer(src)
	p.SetVolume(d.volume)
	d.player = p
	d.err = nil
	d.done = make(chan struct{})
	d.stop = make(chan struct{})
	p.Play()

	go d.monitor(p, d.done, d.stop)
	return nil
}

// monitor watches the player until it drains, fails or is stopped.
func (d *OtoDevice) monitor(p *oto.Player, done, stop chan struct{}) {
	ticker := time.NewTicker(otoMonitorInterval)
	defer ticker.Stop()
	defer close(done)

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := d.ctx.Err(); err != nil {
				d.setErr(err)
				return
			}
			if !p.IsPlaying() {
				d.setErr(p.Err())
				return
			}
		}
	}
}

func (d *OtoDevice) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil && d.err == nil {
		d.err = err
	}
}

// Done is closed when the current player stops.
func (d *OtoDevice) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

// Err returns the player or context failure, if any.
func (d *OtoDevice) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Close stops the current player. The context stays open for later streams.
func (d *OtoDevice) Close() error {
	d.mu.Lock()
	p, stop, done := d.player, d.stop, d.done
	d.player = nil
	d.mu.Unlock()

	if p == nil {
		return nil
	}
	select {
	case <-stop:
	default:
		close(stop)
	}
	<-done
	return p.Close()
}

// SampleRate returns the context rate.
func (d *OtoDevice) SampleRate() int {
	return d.sampleRate
}
