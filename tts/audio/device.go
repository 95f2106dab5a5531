package audio

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Device kinds accepted by OpenDevice.
const (
	DeviceAuto = "auto"
	DeviceOto  = "oto"
	DeviceMock = "mock"
)

var (
	// ErrDeviceClosed is reported when the device stops before the stream
	// reached its end.
	ErrDeviceClosed = errors.New("audio device closed before end of stream")
	// ErrDeviceUnavailable is returned when no audio output can be opened.
	ErrDeviceUnavailable = errors.New("audio device unavailable")
	// ErrDeviceBusy is returned by Play while a previous source is active.
	ErrDeviceBusy = errors.New("audio device is busy")
	// ErrDeviceFailure is the fault injected by MockDevice.
	ErrDeviceFailure = errors.New("audio device failure")
)

// Device is a pull-based sink for mono float32 little-endian PCM at a fixed
// sample rate. After Play the device reads from src on its own schedule
// until src returns io.EOF, the device fails or Close is called.
type Device interface {
	// Play starts pulling from src. It does not block.
	Play(src io.Reader) error
	// Done is closed once the device has stopped pulling from the current
	// source and released it.
	Done() <-chan struct{}
	// Err returns the failure that stopped the device, if any.
	Err() error
	// Close stops the device. It is safe to call more than once.
	Close() error
	// SampleRate returns the rate the device plays at.
	SampleRate() int
}

// DeviceOptions configures OpenDevice.
type DeviceOptions struct {
	Kind       string
	SampleRate int
	BlockSize  int
	Volume     float64
	Logger     *log.Logger
}

// OpenDevice opens the device named by opts.Kind. "auto" tries the system
// output first and falls back to a silent mock device.
func OpenDevice(opts DeviceOptions) (Device, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	switch strings.ToLower(opts.Kind) {
	case DeviceOto:
		dev, err := NewOtoDevice(opts.SampleRate, opts.Volume)
		if err != nil {
			return nil, err
		}
		return dev, nil
	case DeviceMock:
		return NewMockDevice(MockDeviceOptions{
			SampleRate:   opts.SampleRate,
			BlockSize:    opts.BlockSize,
			PullInterval: blockDuration(opts.BlockSize, opts.SampleRate),
		}), nil
	case DeviceAuto, "":
		dev, err := NewOtoDevice(opts.SampleRate, opts.Volume)
		if err == nil {
			return dev, nil
		}
		logger.Warn("System audio unavailable, using silent device", "error", err)
		return NewMockDevice(MockDeviceOptions{
			SampleRate:   opts.SampleRate,
			BlockSize:    opts.BlockSize,
			PullInterval: blockDuration(opts.BlockSize, opts.SampleRate),
		}), nil
	default:
		return nil, fmt.Errorf("%w: unknown device %q", ErrDeviceUnavailable, opts.Kind)
	}
}

func blockDuration(blockSize, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(blockSize) * time.Second / time.Duration(sampleRate)
}
