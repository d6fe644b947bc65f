package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// ─── Wire framing ─────────────────────────────────────

// Frame message types.
const (
	FrameTypeRequest      = 0
	FrameTypeResponse     = 1
	FrameTypeNotification = 2
)

// HeaderSize is the fixed frame header length in bytes.
const HeaderSize = 16

// DefaultMaxFrameBytes caps a single frame payload.
const DefaultMaxFrameBytes = 1 << 20 // 1MB

// Frame is one wire message: a fixed 16-byte header plus a JSON payload.
//
// Header layout, all fields big-endian u32:
//
//	msg_id | msg_type | length | timestamp
//
// msg_id is a client-chosen correlation id echoed on the response frame.
// timestamp is informational wall-clock seconds; the daemon never
// validates it.
type Frame struct {
	MsgID     uint32
	MsgType   uint32
	Timestamp uint32
	Payload   []byte
}

// FrameError reports a framing violation. The connection carrying the
// offending frame must be closed after answering with invalid_request.
type FrameError struct {
	Reason string
}

func (e *FrameError) Error() string {
	return "frame error: " + e.Reason
}

// WriteFrame encodes and writes one frame. Header and payload are batched
// into a single write to reduce syscalls.
func WriteFrame(w io.Writer, f *Frame, maxBytes uint32) error {
	if maxBytes == 0 {
		maxBytes = DefaultMaxFrameBytes
	}
	if uint32(len(f.Payload)) > maxBytes {
		return &FrameError{Reason: fmt.Sprintf("payload too large: %d bytes", len(f.Payload))}
	}

	ts := f.Timestamp
	if ts == 0 {
		ts = uint32(time.Now().Unix())
	}

	buf := make([]byte, HeaderSize+len(f.Payload))
	binary.BigEndian.PutUint32(buf[0:4], f.MsgID)
	binary.BigEndian.PutUint32(buf[4:8], f.MsgType)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(f.Payload)))
	binary.BigEndian.PutUint32(buf[12:16], ts)
	copy(buf[HeaderSize:], f.Payload)

	return writeFull(w, buf)
}

// ReadFrame reads one frame, handling short reads on both header and
// payload. A length field above maxBytes fails with a FrameError; a payload
// of up to 16*DefaultMaxFrameBytes is read and discarded first, a larger one
// is left unread. Either way the caller must close the connection.
func ReadFrame(r io.Reader, maxBytes uint32) (*Frame, error) {
	if maxBytes == 0 {
		maxBytes = DefaultMaxFrameBytes
	}

	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	f := &Frame{
		MsgID:     binary.BigEndian.Uint32(hdr[0:4]),
		MsgType:   binary.BigEndian.Uint32(hdr[4:8]),
		Timestamp: binary.BigEndian.Uint32(hdr[12:16]),
	}
	length := binary.BigEndian.Uint32(hdr[8:12])
	if length > maxBytes {
		// Drain a plausibly-sized payload so the close below sends FIN
		// rather than RST and the error response reaches the peer.
		// Absurd lengths are left unread.
		if length <= 16*DefaultMaxFrameBytes {
			_, _ = io.CopyN(io.Discard, r, int64(length))
		}
		return nil, &FrameError{Reason: fmt.Sprintf("frame too large: %d bytes", length)}
	}
	if length == 0 {
		return f, nil
	}

	f.Payload = make([]byte, length)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return nil, err
	}
	return f, nil
}

func writeFull(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}
