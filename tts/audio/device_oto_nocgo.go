//go:build nocgo
// +build nocgo

package audio

import (
	"fmt"
	"io"
)

// OtoDevice stub for builds without CGO.
type OtoDevice struct{}

// NewOtoDevice always fails without CGO.
func NewOtoDevice(sampleRate int, volume float64) (*OtoDevice, error) {
	return nil, fmt.Errorf("%w: audio not available in nocgo build", ErrDeviceUnavailable)
}

func (d *OtoDevice) Play(src io.Reader) error { return ErrDeviceUnavailable }

func (d *OtoDevice) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (d *OtoDevice) Err() error      { return ErrDeviceUnavailable }
func (d *OtoDevice) Close() error    { return nil }
func (d *OtoDevice) SampleRate() int { return 0 }
