package types

import (
	"github.com/spacemeshos/go-scale"
)

// Metadata summarizes an item's subtree as recorded by the index: the
// number of items transitively reachable from it and their total size in
// bytes. Unknown values are zero; the index fills them in as completeness
// is established.
type Metadata struct {
	Count  uint64
	Weight uint64
}

// Merge keeps the larger of each field. Subtree summaries only grow as
// more of the subtree is discovered.
func (m *Metadata) Merge(other Metadata) {
	m.Count = max(m.Count, other.Count)
	m.Weight = max(m.Weight, other.Weight)
}

// EncodeScale implements scale codec interface.
func (m *Metadata) EncodeScale(enc *scale.Encoder) (total int, err error) {
	{
		n, err := scale.EncodeCompact64(enc, m.Count)
		if err != nil {
			return total, err
		}
		total += n
	}
	{
		n, err := scale.EncodeCompact64(enc, m.Weight)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// DecodeScale implements scale codec interface.
func (m *Metadata) DecodeScale(dec *scale.Decoder) (total int, err error) {
	{
		field, n, err := scale.DecodeCompact64(dec)
		if err != nil {
			return total, err
		}
		total += n
		m.Count = field
	}
	{
		field, n, err := scale.DecodeCompact64(dec)
		if err != nil {
			return total, err
		}
		total += n
		m.Weight = field
	}
	return total, nil
}
