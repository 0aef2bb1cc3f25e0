package types

import (
	"fmt"

	"github.com/spacemeshos/go-scale"

	"github.com/tangramdotdev/tangram/codec"
)

// MaxObjectChildren bounds the number of direct references an object may
// carry on the wire.
const MaxObjectChildren = 100_000

// MaxObjectDataSize bounds the inline payload of a single object.
// Larger blobs are chunked into child objects before storage.
const MaxObjectDataSize = 64 << 20

// ObjectKind enumerates the object variants.
type ObjectKind uint8

const (
	// ObjectBlob is raw bytes.
	ObjectBlob ObjectKind = iota + 1
	// ObjectDirectory maps names to artifacts.
	ObjectDirectory
	// ObjectFile is a blob plus executable bit and references.
	ObjectFile
	// ObjectSymlink is a target path.
	ObjectSymlink
	// ObjectGraph is a set of artifact nodes that may reference each
	// other cyclically.
	ObjectGraph
	// ObjectCommand describes a sandboxed executable invocation.
	ObjectCommand
	// ObjectTarget is a named build target.
	ObjectTarget
)

func (k ObjectKind) String() string {
	switch k {
	case ObjectBlob:
		return "blob"
	case ObjectDirectory:
		return "directory"
	case ObjectFile:
		return "file"
	case ObjectSymlink:
		return "symlink"
	case ObjectGraph:
		return "graph"
	case ObjectCommand:
		return "command"
	case ObjectTarget:
		return "target"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Valid reports whether k is a known object kind.
func (k ObjectKind) Valid() bool {
	return k >= ObjectBlob && k <= ObjectTarget
}

// Object is the unit of immutable content-addressed storage. Children are
// the ids of directly referenced objects; graph objects may reference each
// other, so the object graph as a whole is not acyclic.
type Object struct {
	Kind     ObjectKind
	Children []ObjectID
	Data     []byte
}

// ID computes the object's content id from its serialized bytes.
func (o *Object) ID() (ObjectID, error) {
	buf, err := codec.Encode(o)
	if err != nil {
		return EmptyObjectID, fmt.Errorf("serialize object: %w", err)
	}
	return CalcObjectID(buf), nil
}

// EncodeScale implements scale codec interface.
func (o *Object) EncodeScale(enc *scale.Encoder) (total int, err error) {
	{
		n, err := scale.EncodeByte(enc, byte(o.Kind))
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeStructSliceWithLimit(enc, o.Children, MaxObjectChildren)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeByteSliceWithLimit(enc, o.Data, MaxObjectDataSize)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DecodeScale implements scale codec interface.
func (o *Object) DecodeScale(dec *scale.Decoder) (total int, err error) {
	{
		field, n, err := scale.DecodeByte(dec)
		if err != nil {
			return total, err
		}
		total += n
		o.Kind = ObjectKind(field)
	}
	{
		field, n, err := scale.DecodeStructSliceWithLimit[ObjectID](dec, MaxObjectChildren)
		if err != nil {
			return total, err
		}
		total += n
		o.Children = field
	}
	{
		field, n, err := scale.DecodeByteSliceWithLimit(dec, MaxObjectDataSize)
		if err != nil {
			return total, err
		}
		total += n
		o.Data = field
	}
	return total, nil
}
