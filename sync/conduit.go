package sync

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"

	"github.com/tangramdotdev/tangram/codec"
)

// ProtocolError marks violations of the sync protocol: malformed frames,
// hash mismatches, unexpected messages. Protocol errors are fatal to the
// session and are never retried inside the engine.
type ProtocolError struct {
	msg string
}

func protocolErrorf(format string, args ...any) *ProtocolError {
	return &ProtocolError{msg: fmt.Sprintf(format, args...)}
}

func (*ProtocolError) Is(target error) bool {
	_, ok := target.(*ProtocolError)
	return ok
}

func (err *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", err.msg)
}

// conduit frames sync messages onto a byte stream: every frame is
// uvarint(length) followed by one type byte and the message's scale
// encoding. Writes emit exactly one stream.Write call per frame so
// transports that preserve write boundaries (such as the SSE rendering)
// can map frames onto their own records.
type conduit struct {
	reader   *bufio.Reader
	writer   io.Writer
	maxFrame uint64
}

func newConduit(stream io.ReadWriter, maxFrame int) *conduit {
	return &conduit{
		reader:   bufio.NewReader(stream),
		writer:   stream,
		maxFrame: uint64(maxFrame),
	}
}

// recv reads the next frame. io.EOF is returned unwrapped when the stream
// ends cleanly on a frame boundary.
func (c *conduit) recv() (Message, error) {
	size, err := varint.ReadUvarint(c.reader)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame size: %w", err)
	}
	if size == 0 {
		return nil, protocolErrorf("empty frame")
	}
	if size > c.maxFrame {
		return nil, protocolErrorf("frame size %d exceeds limit %d", size, c.maxFrame)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(c.reader, buf); err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	var m Message
	switch MessageType(buf[0]) {
	case MessageTypeEnd:
		m = &EndMessage{}
	case MessageTypeGetEnd:
		m = &GetEndMessage{}
	case MessageTypePutEnd:
		m = &PutEndMessage{}
	case MessageTypeGetProcessItem:
		m = &GetProcessItemMessage{}
	case MessageTypeGetObjectItem:
		m = &GetObjectItemMessage{}
	case MessageTypeGetProcessComplete:
		m = &GetProcessCompleteMessage{}
	case MessageTypeGetObjectComplete:
		m = &GetObjectCompleteMessage{}
	case MessageTypePutProcessItem:
		m = &PutProcessItemMessage{}
	case MessageTypePutObjectItem:
		m = &PutObjectItemMessage{}
	case MessageTypePutProcessSkip:
		m = &PutProcessSkipMessage{}
	case MessageTypePutObjectSkip:
		m = &PutObjectSkipMessage{}
	default:
		return nil, protocolErrorf("invalid message code %02x", buf[0])
	}
	if err := codec.Decode(buf[1:], m.(codec.Decodable)); err != nil {
		return nil, protocolErrorf("decode %s message: %v", MessageType(buf[0]), err)
	}
	return m, nil
}

// send writes one frame.
func (c *conduit) send(m Message) error {
	body, err := codec.Encode(m)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", m.Type(), err)
	}
	frame := make([]byte, 0, binary.MaxVarintLen64+1+len(body))
	var sz [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(sz[:], uint64(1+len(body)))
	frame = append(frame, sz[:n]...)
	frame = append(frame, byte(m.Type()))
	frame = append(frame, body...)
	if _, err := c.writer.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
