// Package types defines the identifiers and data records shared by the
// store, the index and the sync engine.
package types

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spacemeshos/go-scale"

	"github.com/tangramdotdev/tangram/hash"
)

// ObjectID is a content hash of the object's serialized bytes.
type ObjectID [hash.Size]byte

// EmptyObjectID is a canonical empty ObjectID.
var EmptyObjectID = ObjectID{}

// ObjectIDFromBytes copies buf into an ObjectID. buf must be exactly
// hash.Size bytes long.
func ObjectIDFromBytes(buf []byte) (ObjectID, error) {
	var id ObjectID
	if len(buf) != len(id) {
		return id, fmt.Errorf("wrong object id length %d", len(buf))
	}
	copy(id[:], buf)
	return id, nil
}

// CalcObjectID computes the object id of serialized object bytes.
func CalcObjectID(data []byte) ObjectID {
	return ObjectID(hash.Sum(data))
}

// Bytes returns the byte representation of the id.
func (id ObjectID) Bytes() []byte { return id[:] }

// IsEmpty returns true if the id is all zeroes.
func (id ObjectID) IsEmpty() bool { return id == EmptyObjectID }

func (id ObjectID) String() string {
	return hex.EncodeToString(id[:])
}

// ShortString returns a shortened hex representation, for logging.
func (id ObjectID) ShortString() string {
	return id.String()[:10]
}

// EncodeScale implements scale codec interface.
func (id *ObjectID) EncodeScale(enc *scale.Encoder) (int, error) {
	return scale.EncodeByteArray(enc, id[:])
}

// DecodeScale implements scale codec interface.
func (id *ObjectID) DecodeScale(dec *scale.Decoder) (int, error) {
	return scale.DecodeByteArray(dec, id[:])
}

// ProcessIDSize is the length of a process id in bytes.
const ProcessIDSize = 16

// ProcessID identifies a process. Unlike object ids it is not a content
// hash: processes are mutable until they finish, so their id is an opaque
// time-ordered identifier assigned at creation.
type ProcessID [ProcessIDSize]byte

// EmptyProcessID is a canonical empty ProcessID.
var EmptyProcessID = ProcessID{}

// NewProcessID generates a fresh time-ordered process id.
func NewProcessID() ProcessID {
	return ProcessID(uuid.Must(uuid.NewV7()))
}

// ProcessIDFromBytes copies buf into a ProcessID.
func ProcessIDFromBytes(buf []byte) (ProcessID, error) {
	var id ProcessID
	if len(buf) != len(id) {
		return id, fmt.Errorf("wrong process id length %d", len(buf))
	}
	copy(id[:], buf)
	return id, nil
}

// Bytes returns the byte representation of the id.
func (id ProcessID) Bytes() []byte { return id[:] }

// IsEmpty returns true if the id is all zeroes.
func (id ProcessID) IsEmpty() bool { return id == EmptyProcessID }

func (id ProcessID) String() string {
	return hex.EncodeToString(id[:])
}

// EncodeScale implements scale codec interface.
func (id *ProcessID) EncodeScale(enc *scale.Encoder) (int, error) {
	return scale.EncodeByteArray(enc, id[:])
}

// DecodeScale implements scale codec interface.
func (id *ProcessID) DecodeScale(dec *scale.Decoder) (int, error) {
	return scale.DecodeByteArray(dec, id[:])
}

// IDKind discriminates the two id variants.
type IDKind uint8

const (
	// IDKindProcess marks an id referring to a process.
	IDKindProcess IDKind = iota + 1
	// IDKindObject marks an id referring to an object.
	IDKindObject
)

// ID is a tagged union of a process id or an object id. It is comparable
// and is used as the node key of the sync graph.
type ID struct {
	Kind    IDKind
	Process ProcessID
	Object  ObjectID
}

// ProcessToID wraps a process id.
func ProcessToID(id ProcessID) ID {
	return ID{Kind: IDKindProcess, Process: id}
}

// ObjectToID wraps an object id.
func ObjectToID(id ObjectID) ID {
	return ID{Kind: IDKindObject, Object: id}
}

// ParseID parses the textual form of an id, "pcs_<hex>" for processes and
// "obj_<hex>" for objects.
func ParseID(s string) (ID, error) {
	switch {
	case strings.HasPrefix(s, "pcs_"):
		buf, err := hex.DecodeString(s[4:])
		if err != nil {
			return ID{}, fmt.Errorf("parse process id %q: %w", s, err)
		}
		id, err := ProcessIDFromBytes(buf)
		if err != nil {
			return ID{}, fmt.Errorf("parse process id %q: %w", s, err)
		}
		return ProcessToID(id), nil
	case strings.HasPrefix(s, "obj_"):
		buf, err := hex.DecodeString(s[4:])
		if err != nil {
			return ID{}, fmt.Errorf("parse object id %q: %w", s, err)
		}
		id, err := ObjectIDFromBytes(buf)
		if err != nil {
			return ID{}, fmt.Errorf("parse object id %q: %w", s, err)
		}
		return ObjectToID(id), nil
	default:
		return ID{}, fmt.Errorf("unrecognized id %q", s)
	}
}

func (id ID) String() string {
	switch id.Kind {
	case IDKindProcess:
		return "pcs_" + id.Process.String()
	case IDKindObject:
		return "obj_" + id.Object.String()
	default:
		return "invalid"
	}
}

// EncodeScale implements scale codec interface.
func (id *ID) EncodeScale(enc *scale.Encoder) (total int, err error) {
	{
		n, err := scale.EncodeByte(enc, byte(id.Kind))
		if err != nil {
			return total, err
		}
		total += n
	}
	switch id.Kind {
	case IDKindProcess:
		n, err := id.Process.EncodeScale(enc)
		if err != nil {
			return total, err
		}
		total += n
	case IDKindObject:
		n, err := id.Object.EncodeScale(enc)
		if err != nil {
			return total, err
		}
		total += n
	default:
		return total, fmt.Errorf("invalid id kind %d", id.Kind)
	}
	return total, nil
}

// DecodeScale implements scale codec interface.
func (id *ID) DecodeScale(dec *scale.Decoder) (total int, err error) {
	{
		field, n, err := scale.DecodeByte(dec)
		if err != nil {
			return total, err
		}
		total += n
		id.Kind = IDKind(field)
	}
	switch id.Kind {
	case IDKindProcess:
		n, err := id.Process.DecodeScale(dec)
		if err != nil {
			return total, err
		}
		total += n
	case IDKindObject:
		n, err := id.Object.DecodeScale(dec)
		if err != nil {
			return total, err
		}
		total += n
	default:
		return total, fmt.Errorf("invalid id kind %d", id.Kind)
	}
	return total, nil
}
