package sync

import (
	"github.com/spacemeshos/go-scale"

	"github.com/tangramdotdev/tangram/codec"
	"github.com/tangramdotdev/tangram/common/types"
)

// MessageType is the tag prefixing every frame on the wire.
type MessageType byte

const (
	// MessageTypeEnd terminates the entire bidirectional exchange.
	MessageTypeEnd MessageType = iota
	// MessageTypeGetEnd ends the get direction: no more get messages follow.
	MessageTypeGetEnd
	// MessageTypePutEnd ends the put direction: no more put messages follow.
	MessageTypePutEnd
	// MessageTypeGetProcessItem requests a missing process.
	MessageTypeGetProcessItem
	// MessageTypeGetObjectItem requests a missing object.
	MessageTypeGetObjectItem
	// MessageTypeGetProcessComplete asserts a process subtree is already present.
	MessageTypeGetProcessComplete
	// MessageTypeGetObjectComplete asserts an object subtree is already present.
	MessageTypeGetObjectComplete
	// MessageTypePutProcessItem carries one process record.
	MessageTypePutProcessItem
	// MessageTypePutObjectItem carries one object's bytes.
	MessageTypePutObjectItem
	// MessageTypePutProcessSkip tells the peer an announced process will
	// not be pushed because the sender does not have it.
	MessageTypePutProcessSkip
	// MessageTypePutObjectSkip is the object counterpart of PutProcessSkip.
	MessageTypePutObjectSkip
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeEnd:
		return "end"
	case MessageTypeGetEnd:
		return "getEnd"
	case MessageTypePutEnd:
		return "putEnd"
	case MessageTypeGetProcessItem:
		return "getProcessItem"
	case MessageTypeGetObjectItem:
		return "getObjectItem"
	case MessageTypeGetProcessComplete:
		return "getProcessComplete"
	case MessageTypeGetObjectComplete:
		return "getObjectComplete"
	case MessageTypePutProcessItem:
		return "putProcessItem"
	case MessageTypePutObjectItem:
		return "putObjectItem"
	case MessageTypePutProcessSkip:
		return "putProcessSkip"
	case MessageTypePutObjectSkip:
		return "putObjectSkip"
	default:
		return "unknown"
	}
}

// Message is any frame of the sync protocol.
type Message interface {
	codec.Encodable
	Type() MessageType
}

// GetMessage flows from the side that is missing data: requests and
// completeness assertions.
type GetMessage interface {
	Message
	getMessage()
}

// PutMessage flows from the side that serves data: items and the
// direction sentinel.
type PutMessage interface {
	Message
	putMessage()
}

// marker has empty scale methods for bodyless messages.
type marker struct{}

func (*marker) EncodeScale(*scale.Encoder) (int, error) { return 0, nil }
func (*marker) DecodeScale(*scale.Decoder) (int, error) { return 0, nil }

// EndMessage terminates the whole session.
type EndMessage struct{ marker }

func (*EndMessage) Type() MessageType { return MessageTypeEnd }

// GetEndMessage is the get direction sentinel.
type GetEndMessage struct{ marker }

func (*GetEndMessage) Type() MessageType { return MessageTypeGetEnd }
func (*GetEndMessage) getMessage()       {}

// PutEndMessage is the put direction sentinel.
type PutEndMessage struct{ marker }

func (*PutEndMessage) Type() MessageType { return MessageTypePutEnd }
func (*PutEndMessage) putMessage()       {}

// GetProcessItemMessage requests a process the requester is missing.
// Eager asks the peer to push the process's children speculatively.
type GetProcessItemMessage struct {
	ID    types.ProcessID
	Eager bool
}

func (*GetProcessItemMessage) Type() MessageType { return MessageTypeGetProcessItem }
func (*GetProcessItemMessage) getMessage()       {}

// EncodeScale implements scale codec interface.
func (m *GetProcessItemMessage) EncodeScale(enc *scale.Encoder) (total int, err error) {
	{
		n, err := m.ID.EncodeScale(enc)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeByte(enc, boolByte(m.Eager))
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DecodeScale implements scale codec interface.
func (m *GetProcessItemMessage) DecodeScale(dec *scale.Decoder) (total int, err error) {
	{
		n, err := m.ID.DecodeScale(dec)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		field, n, err := scale.DecodeByte(dec)
		if err != nil {
			return total, err
		}
		total += n
		m.Eager = field != 0
	}
	return total, nil
}

// GetObjectItemMessage requests an object the requester is missing. The
// facet tells the peer which part of a process tree the object belongs
// to, so eager descent stays within the requested facets.
type GetObjectItemMessage struct {
	ID    types.ObjectID
	Facet Facet
	Eager bool
}

func (*GetObjectItemMessage) Type() MessageType { return MessageTypeGetObjectItem }
func (*GetObjectItemMessage) getMessage()       {}

// EncodeScale implements scale codec interface.
func (m *GetObjectItemMessage) EncodeScale(enc *scale.Encoder) (total int, err error) {
	{
		n, err := m.ID.EncodeScale(enc)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeByte(enc, byte(m.Facet))
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeByte(enc, boolByte(m.Eager))
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DecodeScale implements scale codec interface.
func (m *GetObjectItemMessage) DecodeScale(dec *scale.Decoder) (total int, err error) {
	{
		n, err := m.ID.DecodeScale(dec)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		field, n, err := scale.DecodeByte(dec)
		if err != nil {
			return total, err
		}
		total += n
		m.Facet = Facet(field)
	}
	{
		field, n, err := scale.DecodeByte(dec)
		if err != nil {
			return total, err
		}
		total += n
		m.Eager = field != 0
	}
	return total, nil
}

// GetProcessCompleteMessage asserts that the sender already holds the
// process with the given resolved completeness, so the peer can prune any
// work under it.
type GetProcessCompleteMessage struct {
	ID     types.ProcessID
	Stored types.ProcessStored
}

func (*GetProcessCompleteMessage) Type() MessageType { return MessageTypeGetProcessComplete }
func (*GetProcessCompleteMessage) getMessage()       {}

// EncodeScale implements scale codec interface.
func (m *GetProcessCompleteMessage) EncodeScale(enc *scale.Encoder) (total int, err error) {
	{
		n, err := m.ID.EncodeScale(enc)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := m.Stored.EncodeScale(enc)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DecodeScale implements scale codec interface.
func (m *GetProcessCompleteMessage) DecodeScale(dec *scale.Decoder) (total int, err error) {
	{
		n, err := m.ID.DecodeScale(dec)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := m.Stored.DecodeScale(dec)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// GetObjectCompleteMessage asserts that the sender already holds the
// object subtree.
type GetObjectCompleteMessage struct {
	ID     types.ObjectID
	Stored types.ObjectStored
}

func (*GetObjectCompleteMessage) Type() MessageType { return MessageTypeGetObjectComplete }
func (*GetObjectCompleteMessage) getMessage()       {}

// EncodeScale implements scale codec interface.
func (m *GetObjectCompleteMessage) EncodeScale(enc *scale.Encoder) (total int, err error) {
	{
		n, err := m.ID.EncodeScale(enc)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := m.Stored.EncodeScale(enc)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DecodeScale implements scale codec interface.
func (m *GetObjectCompleteMessage) DecodeScale(dec *scale.Decoder) (total int, err error) {
	{
		n, err := m.ID.DecodeScale(dec)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := m.Stored.DecodeScale(dec)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// PutProcessItemMessage carries one process record.
type PutProcessItemMessage struct {
	ID     types.ProcessID
	Record types.ProcessRecord
}

func (*PutProcessItemMessage) Type() MessageType { return MessageTypePutProcessItem }
func (*PutProcessItemMessage) putMessage()       {}

// EncodeScale implements scale codec interface.
func (m *PutProcessItemMessage) EncodeScale(enc *scale.Encoder) (total int, err error) {
	{
		n, err := m.ID.EncodeScale(enc)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := m.Record.EncodeScale(enc)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DecodeScale implements scale codec interface.
func (m *PutProcessItemMessage) DecodeScale(dec *scale.Decoder) (total int, err error) {
	{
		n, err := m.ID.DecodeScale(dec)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := m.Record.DecodeScale(dec)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// PutObjectItemMessage carries one object's serialized bytes. Receivers
// must recompute the id from the bytes and fail the session on mismatch.
type PutObjectItemMessage struct {
	ID    types.ObjectID
	Bytes []byte
}

func (*PutObjectItemMessage) Type() MessageType { return MessageTypePutObjectItem }
func (*PutObjectItemMessage) putMessage()       {}

// EncodeScale implements scale codec interface.
func (m *PutObjectItemMessage) EncodeScale(enc *scale.Encoder) (total int, err error) {
	{
		n, err := m.ID.EncodeScale(enc)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeByteSliceWithLimit(enc, m.Bytes, types.MaxObjectDataSize)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DecodeScale implements scale codec interface.
func (m *PutObjectItemMessage) DecodeScale(dec *scale.Decoder) (total int, err error) {
	{
		n, err := m.ID.DecodeScale(dec)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		field, n, err := scale.DecodeByteSliceWithLimit(dec, types.MaxObjectDataSize)
		if err != nil {
			return total, err
		}
		total += n
		m.Bytes = field
	}
	return total, nil
}

// PutProcessSkipMessage tells the peer that a process the sender's
// descent announced cannot be served because the sender's store lacks it.
// The peer releases any work waiting on the item instead of blocking on a
// push that will never come.
type PutProcessSkipMessage struct {
	ID types.ProcessID
}

func (*PutProcessSkipMessage) Type() MessageType { return MessageTypePutProcessSkip }
func (*PutProcessSkipMessage) putMessage()       {}

// EncodeScale implements scale codec interface.
func (m *PutProcessSkipMessage) EncodeScale(enc *scale.Encoder) (int, error) {
	return m.ID.EncodeScale(enc)
}

// DecodeScale implements scale codec interface.
func (m *PutProcessSkipMessage) DecodeScale(dec *scale.Decoder) (int, error) {
	return m.ID.DecodeScale(dec)
}

// PutObjectSkipMessage is the object counterpart of PutProcessSkipMessage.
type PutObjectSkipMessage struct {
	ID types.ObjectID
}

func (*PutObjectSkipMessage) Type() MessageType { return MessageTypePutObjectSkip }
func (*PutObjectSkipMessage) putMessage()       {}

// EncodeScale implements scale codec interface.
func (m *PutObjectSkipMessage) EncodeScale(enc *scale.Encoder) (int, error) {
	return m.ID.EncodeScale(enc)
}

// DecodeScale implements scale codec interface.
func (m *PutObjectSkipMessage) DecodeScale(dec *scale.Decoder) (int, error) {
	return m.ID.DecodeScale(dec)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
