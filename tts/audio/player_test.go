package audio_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgnsrekt/speak/tts/audio"
)

func ramp(n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = float32(i + 1)
	}
	return s
}

func waitFinish(t *testing.T, p *audio.Player) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.WaitForFinish(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("player did not finish in time")
	}
	return err
}

// TestPlayerDeliversFinalBlock tests that the block which empties the buffer
// reaches the device before end of stream.
func TestPlayerDeliversFinalBlock(t *testing.T) {
	tests := []struct {
		name      string
		samples   int
		blockSize int
	}{
		{name: "partial last block", samples: 2500, blockSize: 1024},
		{name: "exact blocks", samples: 2048, blockSize: 1024},
		{name: "single short block", samples: 10, blockSize: 1024},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := audio.NewRingBuffer(4096, 24000)
			want := ramp(tt.samples)
			buf.Write(want)

			dev := audio.NewMockDevice(audio.MockDeviceOptions{BlockSize: tt.blockSize})
			p := audio.NewPlayer(buf, dev, audio.PlayerOptions{BlockSize: tt.blockSize})
			p.StartDraining()
			if err := p.Start(); err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			if err := waitFinish(t, p); err != nil {
				t.Fatalf("WaitForFinish() error = %v", err)
			}

			got := dev.Received()
			if !equalSamples(got, want) {
				t.Fatalf("device received %d samples, want %d in order", len(got), len(want))
			}
			if p.Underruns() != 0 {
				t.Errorf("Underruns() = %d, want 0", p.Underruns())
			}
			if p.State() != audio.PlayerFinished {
				t.Errorf("State() = %s, want finished", p.State())
			}
		})
	}
}

func TestPlayerDrainAfterStreaming(t *testing.T) {
	buf := audio.NewRingBuffer(8192, 24000)
	dev := audio.NewMockDevice(audio.MockDeviceOptions{BlockSize: 256, PullInterval: time.Millisecond})
	p := audio.NewPlayer(buf, dev, audio.PlayerOptions{BlockSize: 256})

	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	want := ramp(3000)
	for written := 0; written < len(want); {
		written += buf.Write(want[written:min(written+500, len(want))])
		time.Sleep(2 * time.Millisecond)
	}
	p.StartDraining()

	if err := waitFinish(t, p); err != nil {
		t.Fatalf("WaitForFinish() error = %v", err)
	}

	// Leading underruns are silence; the audio itself must be complete.
	var audible []float32
	for _, s := range dev.Received() {
		if s != 0 {
			audible = append(audible, s)
		}
	}
	if !equalSamples(audible, want) {
		t.Fatalf("device received %d audible samples, want %d in order", len(audible), len(want))
	}
}

func TestPlayerStop(t *testing.T) {
	buf := audio.NewRingBuffer(1024, 24000)
	dev := audio.NewMockDevice(audio.MockDeviceOptions{BlockSize: 64, PullInterval: time.Millisecond})

	var errCalls atomic.Int32
	p := audio.NewPlayer(buf, dev, audio.PlayerOptions{
		BlockSize: 64,
		OnError:   func(error) { errCalls.Add(1) },
	})
	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
	if err := waitFinish(t, p); err != nil {
		t.Errorf("WaitForFinish() error = %v, want nil after Stop", err)
	}
	if dev.CloseCount() != 1 {
		t.Errorf("device closed %d times, want 1", dev.CloseCount())
	}
	if errCalls.Load() != 0 {
		t.Errorf("OnError called %d times after Stop", errCalls.Load())
	}
	if p.Underruns() == 0 {
		t.Error("pulls from an empty buffer should count as underruns")
	}
	if err := p.Start(); !errors.Is(err, audio.ErrPlayerStopped) {
		t.Errorf("Start() after Stop error = %v, want ErrPlayerStopped", err)
	}
}

func TestPlayerStopBeforeStart(t *testing.T) {
	dev := audio.NewMockDevice(audio.MockDeviceOptions{})
	p := audio.NewPlayer(audio.NewRingBuffer(16, 24000), dev, audio.PlayerOptions{})

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := waitFinish(t, p); err != nil {
		t.Errorf("WaitForFinish() error = %v", err)
	}
	if p.Started() {
		t.Error("Started() = true for a player that never started")
	}
	if dev.CloseCount() != 0 {
		t.Errorf("device closed %d times, want 0", dev.CloseCount())
	}
}

// TestPlayerStopConcurrentWithPull stops a player whose device pulls
// without pause.
func TestPlayerStopConcurrentWithPull(t *testing.T) {
	for i := 0; i < 20; i++ {
		buf := audio.NewRingBuffer(1<<14, 24000)
		buf.Write(ramp(1 << 14))
		dev := audio.NewMockDevice(audio.MockDeviceOptions{BlockSize: 32})
		p := audio.NewPlayer(buf, dev, audio.PlayerOptions{BlockSize: 32})
		if err := p.Start(); err != nil {
			t.Fatalf("Start() error = %v", err)
		}

		var wg sync.WaitGroup
		for j := 0; j < 3; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = p.Stop()
			}()
		}
		wg.Wait()

		if err := waitFinish(t, p); err != nil {
			t.Fatalf("WaitForFinish() error = %v", err)
		}
		if dev.CloseCount() != 1 {
			t.Fatalf("device closed %d times, want 1", dev.CloseCount())
		}
	}
}

func TestPlayerDeviceErrors(t *testing.T) {
	tests := []struct {
		name    string
		opts    audio.MockDeviceOptions
		wantErr error
	}{
		{
			name:    "device failure",
			opts:    audio.MockDeviceOptions{BlockSize: 64, FailAfterPulls: 2},
			wantErr: audio.ErrDeviceFailure,
		},
		{
			name:    "device closes mid stream",
			opts:    audio.MockDeviceOptions{BlockSize: 64, CloseAfterPulls: 1},
			wantErr: audio.ErrDeviceClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := audio.NewRingBuffer(4096, 24000)
			buf.Write(ramp(4096))

			reported := make(chan error, 1)
			dev := audio.NewMockDevice(tt.opts)
			p := audio.NewPlayer(buf, dev, audio.PlayerOptions{
				BlockSize: 64,
				OnError:   func(err error) { reported <- err },
			})
			if err := p.Start(); err != nil {
				t.Fatalf("Start() error = %v", err)
			}

			if err := waitFinish(t, p); !errors.Is(err, tt.wantErr) {
				t.Errorf("WaitForFinish() error = %v, want %v", err, tt.wantErr)
			}
			select {
			case err := <-reported:
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("OnError(%v), want %v", err, tt.wantErr)
				}
			case <-time.After(time.Second):
				t.Error("OnError was not called")
			}
		})
	}
}

func TestPlayerStartDeviceBusy(t *testing.T) {
	dev := audio.NewMockDevice(audio.MockDeviceOptions{PullInterval: time.Millisecond})
	first := audio.NewPlayer(audio.NewRingBuffer(16, 24000), dev, audio.PlayerOptions{})
	second := audio.NewPlayer(audio.NewRingBuffer(16, 24000), dev, audio.PlayerOptions{})

	if err := first.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer first.Stop()

	if err := second.Start(); !errors.Is(err, audio.ErrDeviceBusy) {
		t.Errorf("Start() on busy device error = %v, want ErrDeviceBusy", err)
	}
	if err := waitFinish(t, second); !errors.Is(err, audio.ErrDeviceBusy) {
		t.Errorf("WaitForFinish() error = %v, want ErrDeviceBusy", err)
	}
}
