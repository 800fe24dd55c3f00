package transport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/meshdb/meshdb/internal/document"
	"github.com/meshdb/meshdb/pkg"
)

// Wire layout, all integers little-endian:
//
//	len int32 | id uint32 | inResponseTo uint32 | waitingForResponse uint8 |
//	kindLen int32 | kind UTF-8 | payloadLen int32 | payload JSON UTF-8
//
// len counts every byte after itself.
const (
	// maxFrameSize bounds a single frame body. Anything larger is treated
	// as a framing error.
	maxFrameSize = 16 << 20

	frameHeaderSize = 4
)

// EncodeFrame serializes a message into a length-prefixed frame.
func EncodeFrame(m *Message) ([]byte, error) {
	payload := m.Payload
	if payload == nil {
		payload = document.New()
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	kindBytes := []byte(m.Kind)
	bodyLen := 4 + 4 + 1 + 4 + len(kindBytes) + 4 + len(payloadBytes)
	buf := make([]byte, frameHeaderSize+bodyLen)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(bodyLen))
	binary.LittleEndian.PutUint32(buf[4:8], m.ID)
	binary.LittleEndian.PutUint32(buf[8:12], m.InResponseTo)
	if m.WaitingForResponse {
		buf[12] = 1
	}

	off := 13
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(kindBytes)))
	off += 4
	copy(buf[off:], kindBytes)
	off += len(kindBytes)
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(payloadBytes)))
	off += 4
	copy(buf[off:], payloadBytes)

	return buf, nil
}

// DecodeFrame parses one complete frame body (without the length prefix)
// into a message. Address and Direction are filled in by the caller from the
// connection the frame arrived on.
func DecodeFrame(body []byte) (*Message, error) {
	if len(body) < 13 {
		return nil, pkg.ErrMalformedFrame
	}

	m := &Message{
		ID:                 binary.LittleEndian.Uint32(body[0:4]),
		InResponseTo:       binary.LittleEndian.Uint32(body[4:8]),
		WaitingForResponse: body[8] == 1,
	}

	off := 9
	kind, off, err := readString(body, off)
	if err != nil {
		return nil, err
	}
	if !utf8.ValidString(kind) {
		return nil, pkg.ErrMalformedFrame
	}
	m.Kind = kind

	payloadBytes, off, err := readBytes(body, off)
	if err != nil {
		return nil, err
	}
	if off != len(body) {
		return nil, pkg.ErrMalformedFrame
	}

	payload := document.New()
	if len(payloadBytes) > 0 {
		if err := json.Unmarshal(payloadBytes, payload); err != nil {
			return nil, fmt.Errorf("%w: %v", pkg.ErrMalformedFrame, err)
		}
	}
	m.Payload = payload

	return m, nil
}

func readBytes(body []byte, off int) ([]byte, int, error) {
	if off+4 > len(body) {
		return nil, 0, pkg.ErrMalformedFrame
	}
	n := int(int32(binary.LittleEndian.Uint32(body[off : off+4])))
	off += 4
	if n < 0 || off+n > len(body) {
		return nil, 0, pkg.ErrMalformedFrame
	}
	return body[off : off+n], off + n, nil
}

func readString(body []byte, off int) (string, int, error) {
	b, off, err := readBytes(body, off)
	if err != nil {
		return "", 0, err
	}
	return string(b), off, nil
}

// frameBuffer accumulates raw bytes per peer and yields complete frame
// bodies in arrival order.
type frameBuffer struct {
	data []byte
}

// Append adds freshly read bytes to the buffer.
func (b *frameBuffer) Append(p []byte) {
	b.data = append(b.data, p...)
}

// Next extracts the next complete frame body, if one is buffered. Remaining
// bytes stay buffered for the following frame.
func (b *frameBuffer) Next() ([]byte, bool, error) {
	if len(b.data) < frameHeaderSize {
		return nil, false, nil
	}
	bodyLen := int(int32(binary.LittleEndian.Uint32(b.data[0:4])))
	if bodyLen < 0 || bodyLen > maxFrameSize {
		return nil, false, pkg.ErrFrameTooLarge
	}
	if len(b.data) < frameHeaderSize+bodyLen {
		return nil, false, nil
	}

	body := make([]byte, bodyLen)
	copy(body, b.data[frameHeaderSize:frameHeaderSize+bodyLen])
	b.data = b.data[frameHeaderSize+bodyLen:]
	return body, true, nil
}

// Len returns the number of buffered bytes.
func (b *frameBuffer) Len() int { return len(b.data) }
