package types

import (
	"github.com/spacemeshos/go-scale"
)

// MaxProcessChildren bounds the number of child processes carried in a
// single process record on the wire.
const MaxProcessChildren = 100_000

// ProcessRecord is the durable record of a process. A process is mutable
// while it runs; once finished the record is append-only. Command is always
// set. Error, Log and Output are set when the process finishes, depending
// on the outcome.
type ProcessRecord struct {
	Command  ObjectID
	Error    ObjectID
	Log      ObjectID
	Output   ObjectID
	Children []ProcessID
}

// EncodeScale implements scale codec interface.
func (r *ProcessRecord) EncodeScale(enc *scale.Encoder) (total int, err error) {
	for _, id := range []*ObjectID{&r.Command, &r.Error, &r.Log, &r.Output} {
		n, err := id.EncodeScale(enc)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeStructSliceWithLimit(enc, r.Children, MaxProcessChildren)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DecodeScale implements scale codec interface.
func (r *ProcessRecord) DecodeScale(dec *scale.Decoder) (total int, err error) {
	for _, id := range []*ObjectID{&r.Command, &r.Error, &r.Log, &r.Output} {
		n, err := id.DecodeScale(dec)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		field, n, err := scale.DecodeStructSliceWithLimit[ProcessID](dec, MaxProcessChildren)
		if err != nil {
			return total, err
		}
		total += n
		r.Children = field
	}
	return total, nil
}
