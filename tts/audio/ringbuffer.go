// Package audio provides sample buffering and playback for streamed speech.
package audio

import (
	"fmt"
	"sync/atomic"
)

// RingBuffer is a fixed-capacity single-producer single-consumer queue of
// float32 samples. One goroutine may call Write while another calls Read;
// neither blocks and neither takes a lock.
//
// The backing store has one more slot than the capacity so that a full
// buffer can be told apart from an empty one by the positions alone.
type RingBuffer struct {
	data       []float32
	capacity   int
	sampleRate int

	writePos atomic.Int64 // owned by the producer
	readPos  atomic.Int64 // owned by the consumer

	underrunSamples atomic.Int64
}

// BufferStats is a point-in-time view of a RingBuffer.
type BufferStats struct {
	Capacity        int
	Buffered        int
	BufferedSeconds float64
	UnderrunSamples int64
}

// NewRingBuffer creates a buffer holding up to capacity samples at the
// given sample rate.
func NewRingBuffer(capacity, sampleRate int) *RingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	if sampleRate < 1 {
		sampleRate = 1
	}
	return &RingBuffer{
		data:       make([]float32, capacity+1),
		capacity:   capacity,
		sampleRate: sampleRate,
	}
}

// NewRingBufferForDuration creates a buffer sized for the given number of
// seconds of audio.
func NewRingBufferForDuration(seconds float64, sampleRate int) *RingBuffer {
	return NewRingBuffer(int(seconds*float64(sampleRate)), sampleRate)
}

// Write copies as many samples as fit and returns how many were written.
// A short count means the buffer is full and the caller must retry the rest.
func (b *RingBuffer) Write(samples []float32) int {
	size := len(b.data)
	w := int(b.writePos.Load())
	r := int(b.readPos.Load())

	n := min(len(samples), b.free(w, r))
	if n == 0 {
		return 0
	}

	first := min(n, size-w)
	copy(b.data[w:], samples[:first])
	copy(b.data, samples[first:n])

	b.writePos.Store(int64((w + n) % size))
	return n
}

// Read fills out from the buffer and returns the number of real samples
// copied. Any remainder of out is zeroed and counted as underrun.
func (b *RingBuffer) Read(out []float32) int {
	size := len(b.data)
	r := int(b.readPos.Load())
	w := int(b.writePos.Load())

	n := min(len(out), b.used(w, r))
	if n > 0 {
		first := min(n, size-r)
		copy(out, b.data[r:r+first])
		copy(out[first:n], b.data[:n-first])
		b.readPos.Store(int64((r + n) % size))
	}

	if pad := len(out) - n; pad > 0 {
		clear(out[n:])
		b.underrunSamples.Add(int64(pad))
	}
	return n
}

// Clear empties the buffer and resets the underrun counter. It must only be
// called while neither side is active.
func (b *RingBuffer) Clear() {
	b.writePos.Store(0)
	b.readPos.Store(0)
	b.underrunSamples.Store(0)
}

// AvailableRead returns the number of samples waiting to be read.
func (b *RingBuffer) AvailableRead() int {
	return b.used(int(b.writePos.Load()), int(b.readPos.Load()))
}

// AvailableWrite returns the number of free slots.
func (b *RingBuffer) AvailableWrite() int {
	return b.free(int(b.writePos.Load()), int(b.readPos.Load()))
}

// BufferedSeconds returns the duration of audio waiting to be played.
func (b *RingBuffer) BufferedSeconds() float64 {
	return float64(b.AvailableRead()) / float64(b.sampleRate)
}

// IsFull reports whether no more samples can be written.
func (b *RingBuffer) IsFull() bool {
	return b.AvailableWrite() == 0
}

// IsEmpty reports whether there is nothing to read.
func (b *RingBuffer) IsEmpty() bool {
	return b.AvailableRead() == 0
}

// Capacity returns the maximum number of buffered samples.
func (b *RingBuffer) Capacity() int {
	return b.capacity
}

// SampleRate returns the rate used to convert samples to seconds.
func (b *RingBuffer) SampleRate() int {
	return b.sampleRate
}

// UnderrunSamples returns the total number of zero samples padded by Read.
func (b *RingBuffer) UnderrunSamples() int64 {
	return b.underrunSamples.Load()
}

// Stats returns a snapshot of the buffer.
func (b *RingBuffer) Stats() BufferStats {
	buffered := b.AvailableRead()
	return BufferStats{
		Capacity:        b.capacity,
		Buffered:        buffered,
		BufferedSeconds: float64(buffered) / float64(b.sampleRate),
		UnderrunSamples: b.underrunSamples.Load(),
	}
}

func (b *RingBuffer) used(w, r int) int {
	if w >= r {
		return w - r
	}
	return len(b.data) - r + w
}

func (b *RingBuffer) free(w, r int) int {
	return b.capacity - b.used(w, r)
}

// String returns a formatted string of buffer statistics.
func (s BufferStats) String() string {
	return fmt.Sprintf(
		"Buffer Stats: Buffered=%d/%d (%.2fs), Underrun=%d samples",
		s.Buffered, s.Capacity, s.BufferedSeconds, s.UnderrunSamples,
	)
}
