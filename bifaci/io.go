package bifaci

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// FrameReader reads self-delimiting CBOR frames from a stream.
//
// Frames are pulled through a cbor.Decoder, which keeps unread bytes in its
// own buffer and only reads from the stream when the buffered bytes do not
// already hold a complete data item. A peer that wrote several frames in
// one burst is therefore served without further reads on the transport.
type FrameReader struct {
	dec    *cbor.Decoder
	dm     cbor.DecMode
	limits Limits
}

// NewFrameReader creates a FrameReader with the given limits
func NewFrameReader(r io.Reader, limits Limits) (*FrameReader, error) {
	dm, err := limits.decMode()
	if err != nil {
		return nil, err
	}
	return &FrameReader{
		dec:    dm.NewDecoder(r),
		dm:     dm,
		limits: limits,
	}, nil
}

// ReadFrame reads the next frame. A clean end of stream between frames is
// reported as io.EOF; anything malformed, including a stream that ends
// mid-frame, is a protocol error. Other errors come from the transport.
func (fr *FrameReader) ReadFrame() (*Frame, error) {
	var raw cbor.RawMessage
	if err := fr.dec.Decode(&raw); err != nil {
		switch {
		case errors.Is(err, io.EOF):
			return nil, io.EOF
		case errors.Is(err, io.ErrUnexpectedEOF):
			return nil, &Error{Kind: KindProtocol, Message: "truncated frame", Err: err}
		case isCBORError(err):
			return nil, &Error{Kind: KindProtocol, Message: "malformed frame", Err: err}
		default:
			return nil, err
		}
	}

	if len(raw) > fr.limits.maxFrame() {
		return nil, newProtocolError("frame size %d exceeds max_frame limit %d", len(raw), fr.limits.maxFrame())
	}

	return decodeFrame(fr.dm, raw)
}

func isCBORError(err error) bool {
	var syntaxErr *cbor.SyntaxError
	var semanticErr *cbor.SemanticError
	var nestedErr *cbor.MaxNestedLevelError
	var arrayErr *cbor.MaxArrayElementsError
	var mapErr *cbor.MaxMapPairsError
	var typeErr *cbor.UnmarshalTypeError
	return errors.As(err, &syntaxErr) ||
		errors.As(err, &semanticErr) ||
		errors.As(err, &nestedErr) ||
		errors.As(err, &arrayErr) ||
		errors.As(err, &mapErr) ||
		errors.As(err, &typeErr)
}

// FrameWriter writes CBOR frames to a stream, one Write per frame
type FrameWriter struct {
	writer io.Writer
	dm     cbor.DecMode
	limits Limits
}

// NewFrameWriter creates a FrameWriter with the given limits
func NewFrameWriter(w io.Writer, limits Limits) (*FrameWriter, error) {
	dm, err := limits.decMode()
	if err != nil {
		return nil, err
	}
	return &FrameWriter{
		writer: w,
		dm:     dm,
		limits: limits,
	}, nil
}

// WriteFrame writes a single frame to the stream
func (fw *FrameWriter) WriteFrame(frame *Frame) error {
	frameBuf, err := EncodeFrame(frame)
	if err != nil {
		return err
	}

	if len(frameBuf) > fw.limits.maxFrame() {
		return newUsageError("encoded frame size %d exceeds max_frame limit %d", len(frameBuf), fw.limits.maxFrame())
	}

	// The peer decodes with the same limits; refuse to send what it would reject.
	if err := fw.dm.Wellformed(frameBuf); err != nil {
		return &Error{Kind: KindUsage, Message: "frame exceeds structural limits", Err: err}
	}

	if _, err := fw.writer.Write(frameBuf); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", frame.FrameType, err)
	}
	return nil
}

// syncFrameWriter wraps FrameWriter with a mutex so frames written from
// different goroutines are never interleaved.
type syncFrameWriter struct {
	mu     sync.Mutex
	writer *FrameWriter
}

func newSyncFrameWriter(w *FrameWriter) *syncFrameWriter {
	return &syncFrameWriter{writer: w}
}

func (s *syncFrameWriter) WriteFrame(frame *Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer.WriteFrame(frame)
}
