// Package protocol implements the SPKR binary framing used between a speech
// generation backend and the streaming client.
//
// Every message starts with a 16 byte little-endian header:
//
//	offset 0  magic   "SPKR"
//	offset 4  marker  chunk id, EndMarker or ErrorMarker
//	offset 8  count   samples (chunk), total chunks (end) or message length (error)
//	offset 12 aux     sample rate (chunk), zero otherwise
//
// A chunk header is followed by count float32 LE samples, an error header by
// count bytes of UTF-8 text and an end header by nothing.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// HeaderSize is the fixed length of every frame header.
	HeaderSize = 16

	// EndMarker marks the end of a stream.
	EndMarker uint32 = 0xFFFFFFFF
	// ErrorMarker marks a generation error.
	ErrorMarker uint32 = 0xFFFFFFFE

	// MaxSamplesPerChunk bounds the payload of a single chunk frame.
	MaxSamplesPerChunk = 1 << 24
	// MaxErrorMessageBytes bounds the payload of an error frame.
	MaxErrorMessageBytes = 64 << 10

	// MinSampleRate and MaxSampleRate bound the rate a chunk may declare.
	// Resampling to the device rate keeps memory proportional to the frame.
	MinSampleRate = 8000
	MaxSampleRate = 192000

	bytesPerSample = 4
)

// Magic identifies a frame header.
var Magic = [4]byte{'S', 'P', 'K', 'R'}

var (
	// ErrInvalidMagic is returned when a header does not start with Magic.
	// The stream cannot be resynchronized after it.
	ErrInvalidMagic = errors.New("invalid magic")
	// ErrFrameTooLarge is returned when a header announces a payload
	// larger than the protocol allows.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrReservedChunkID is returned when a chunk id collides with a marker.
	ErrReservedChunkID = errors.New("chunk id collides with a reserved marker")
	// ErrInvalidSampleRate is returned when a chunk declares a sample rate
	// outside [MinSampleRate, MaxSampleRate].
	ErrInvalidSampleRate = errors.New("invalid sample rate")
)

// MessageType identifies the kind of a decoded frame.
type MessageType int

const (
	// TypeAudioChunk is a frame carrying PCM samples.
	TypeAudioChunk MessageType = iota
	// TypeStreamEnd is the successful end of a stream.
	TypeStreamEnd
	// TypeStreamError is a generation failure reported by the backend.
	TypeStreamError
)

// String returns the string representation of the message type.
func (t MessageType) String() string {
	switch t {
	case TypeAudioChunk:
		return "audio_chunk"
	case TypeStreamEnd:
		return "stream_end"
	case TypeStreamError:
		return "stream_error"
	default:
		return "unknown"
	}
}

// Message is one decoded frame.
type Message interface {
	Type() MessageType
}

// AudioChunk carries mono float32 samples.
type AudioChunk struct {
	ID         uint32
	Samples    []float32
	SampleRate int
}

// Type implements Message.
func (AudioChunk) Type() MessageType { return TypeAudioChunk }

// Duration returns the playback length of the chunk in seconds.
func (c AudioChunk) Duration() float64 {
	if c.SampleRate <= 0 {
		return 0
	}
	return float64(len(c.Samples)) / float64(c.SampleRate)
}

// StreamEnd reports that generation completed.
type StreamEnd struct {
	TotalChunks uint32
}

// Type implements Message.
func (StreamEnd) Type() MessageType { return TypeStreamEnd }

// StreamError reports that generation failed.
type StreamError struct {
	Message string
}

// Type implements Message.
func (StreamError) Type() MessageType { return TypeStreamError }

// header is the decoded fixed part of a frame.
type header struct {
	marker uint32
	count  uint32
	aux    uint32
}

func decodeHeader(b []byte) (header, error) {
	if b[0] != Magic[0] || b[1] != Magic[1] || b[2] != Magic[2] || b[3] != Magic[3] {
		return header{}, fmt.Errorf("%w: got %q", ErrInvalidMagic, b[:4])
	}
	return header{
		marker: binary.LittleEndian.Uint32(b[4:8]),
		count:  binary.LittleEndian.Uint32(b[8:12]),
		aux:    binary.LittleEndian.Uint32(b[12:16]),
	}, nil
}

// payloadSize returns the number of bytes that follow the header.
func (h header) payloadSize() (int, error) {
	switch h.marker {
	case EndMarker:
		return 0, nil
	case ErrorMarker:
		if h.count > MaxErrorMessageBytes {
			return 0, fmt.Errorf("%w: error message of %d bytes", ErrFrameTooLarge, h.count)
		}
		return int(h.count), nil
	default:
		if h.count > MaxSamplesPerChunk {
			return 0, fmt.Errorf("%w: chunk of %d samples", ErrFrameTooLarge, h.count)
		}
		if err := checkSampleRate(int64(h.aux)); err != nil {
			return 0, err
		}
		return int(h.count) * bytesPerSample, nil
	}
}

func checkSampleRate(rate int64) error {
	if rate < MinSampleRate || rate > MaxSampleRate {
		return fmt.Errorf("%w: %d Hz", ErrInvalidSampleRate, rate)
	}
	return nil
}

// decode builds the message for h from a payload of exactly payloadSize bytes.
func (h header) decode(payload []byte) Message {
	switch h.marker {
	case EndMarker:
		return StreamEnd{TotalChunks: h.count}
	case ErrorMarker:
		return StreamError{Message: string(payload)}
	default:
		return AudioChunk{
			ID:         h.marker,
			Samples:    decodeSamples(payload),
			SampleRate: int(h.aux),
		}
	}
}

// Parse decodes one message from the front of buf.
//
// When buf does not yet hold a complete frame Parse returns a nil Message,
// the unchanged buffer and a nil error so the caller can append more data
// and retry. A bad magic, an oversized frame or a chunk sample rate out of
// range is a hard failure.
func Parse(buf []byte) (Message, []byte, error) {
	if len(buf) < HeaderSize {
		return nil, buf, nil
	}
	h, err := decodeHeader(buf[:HeaderSize])
	if err != nil {
		return nil, buf, err
	}
	n, err := h.payloadSize()
	if err != nil {
		return nil, buf, err
	}
	if len(buf) < HeaderSize+n {
		return nil, buf, nil
	}
	msg := h.decode(buf[HeaderSize : HeaderSize+n])
	return msg, buf[HeaderSize+n:], nil
}

// BuildChunkMessage encodes an audio chunk frame.
func BuildChunkMessage(id uint32, samples []float32, sampleRate int) []byte {
	buf := make([]byte, HeaderSize+len(samples)*bytesPerSample)
	putHeader(buf, id, uint32(len(samples)), uint32(sampleRate))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[HeaderSize+i*bytesPerSample:], math.Float32bits(s))
	}
	return buf
}

// BuildEndMessage encodes an end-of-stream frame.
func BuildEndMessage(totalChunks uint32) []byte {
	buf := make([]byte, HeaderSize)
	putHeader(buf, EndMarker, totalChunks, 0)
	return buf
}

// BuildErrorMessage encodes an error frame. The text is sent as UTF-8.
func BuildErrorMessage(msg string) []byte {
	buf := make([]byte, HeaderSize+len(msg))
	putHeader(buf, ErrorMarker, uint32(len(msg)), 0)
	copy(buf[HeaderSize:], msg)
	return buf
}

func putHeader(buf []byte, marker, count, aux uint32) {
	copy(buf[0:4], Magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], marker)
	binary.LittleEndian.PutUint32(buf[8:12], count)
	binary.LittleEndian.PutUint32(buf[12:16], aux)
}

func decodeSamples(b []byte) []float32 {
	samples := make([]float32, len(b)/bytesPerSample)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*bytesPerSample:]))
	}
	return samples
}
