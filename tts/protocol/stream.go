package protocol

import (
	"bufio"
	"fmt"
	"io"
	"unicode/utf8"
)

// Reader decodes messages from a blocking byte stream. Each frame is read
// exactly: first the header, then precisely the announced payload.
type Reader struct {
	r   io.Reader
	hdr [HeaderSize]byte
}

// NewReader wraps r in a buffered frame reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64<<10)}
}

// Next blocks until one full message is available.
//
// io.EOF is returned only when the stream ends cleanly on a frame boundary;
// a stream that ends inside a frame yields io.ErrUnexpectedEOF.
func (r *Reader) Next() (Message, error) {
	if _, err := io.ReadFull(r.r, r.hdr[:]); err != nil {
		return nil, err
	}
	h, err := decodeHeader(r.hdr[:])
	if err != nil {
		return nil, err
	}
	n, err := h.payloadSize()
	if err != nil {
		return nil, err
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("reading %s payload: %w", h.kind(), err)
	}
	return h.decode(payload), nil
}

func (h header) kind() MessageType {
	switch h.marker {
	case EndMarker:
		return TypeStreamEnd
	case ErrorMarker:
		return TypeStreamError
	default:
		return TypeAudioChunk
	}
}

// Writer encodes messages onto a byte stream. It is used by generation
// backends and by tests that script a backend.
type Writer struct {
	w      io.Writer
	chunks uint32
}

// NewWriter returns a Writer that writes frames to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteChunk writes one audio chunk.
func (w *Writer) WriteChunk(id uint32, samples []float32, sampleRate int) error {
	if id == EndMarker || id == ErrorMarker {
		return fmt.Errorf("%w: %#x", ErrReservedChunkID, id)
	}
	if len(samples) > MaxSamplesPerChunk {
		return fmt.Errorf("%w: chunk of %d samples", ErrFrameTooLarge, len(samples))
	}
	if err := checkSampleRate(int64(sampleRate)); err != nil {
		return err
	}
	if _, err := w.w.Write(BuildChunkMessage(id, samples, sampleRate)); err != nil {
		return fmt.Errorf("writing chunk %d: %w", id, err)
	}
	w.chunks++
	return nil
}

// WriteEnd writes the end-of-stream frame with the number of chunks written
// so far.
func (w *Writer) WriteEnd() error {
	if _, err := w.w.Write(BuildEndMessage(w.chunks)); err != nil {
		return fmt.Errorf("writing end: %w", err)
	}
	return nil
}

// WriteError writes an error frame.
func (w *Writer) WriteError(msg string) error {
	msg = truncateUTF8(msg, MaxErrorMessageBytes)
	if _, err := w.w.Write(BuildErrorMessage(msg)); err != nil {
		return fmt.Errorf("writing error: %w", err)
	}
	return nil
}

// Chunks returns the number of chunks written.
func (w *Writer) Chunks() uint32 {
	return w.chunks
}

// truncateUTF8 cuts s to at most n bytes without splitting a character.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
