package models

import (
	"errors"
	"fmt"
)

// Kind is the closed set of entity kinds the plugin ingests.
type Kind uint8

const (
	KindAccount Kind = iota
	KindTransaction
	KindSlot
	KindBlock
)

// AllKinds lists every Kind in a stable order.
var AllKinds = [...]Kind{KindAccount, KindTransaction, KindSlot, KindBlock}

// ErrUnknownKind is returned by any kind switch that meets a value outside AllKinds.
var ErrUnknownKind = errors.New("unknown record kind")

func (k Kind) String() string {
	switch k {
	case KindAccount:
		return "account"
	case KindTransaction:
		return "transaction"
	case KindSlot:
		return "slot"
	case KindBlock:
		return "block"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind is the inverse of String.
func ParseKind(v string) (Kind, error) {
	for _, k := range AllKinds {
		if k.String() == v {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, v)
}

// Record is implemented only by the four entity types of this package.
type Record interface {
	Kind() Kind
	SlotNumber() uint64
	isRecord()
}

func (*AccountUpdate) Kind() Kind { return KindAccount }
func (*Transaction) Kind() Kind   { return KindTransaction }
func (*SlotStatus) Kind() Kind    { return KindSlot }
func (*BlockMetadata) Kind() Kind { return KindBlock }

func (a *AccountUpdate) SlotNumber() uint64 { return a.Slot }
func (t *Transaction) SlotNumber() uint64   { return t.Slot }
func (s *SlotStatus) SlotNumber() uint64    { return s.Slot }
func (b *BlockMetadata) SlotNumber() uint64 { return b.Slot }

func (*AccountUpdate) isRecord() {}
func (*Transaction) isRecord()   {}
func (*SlotStatus) isRecord()    {}
func (*BlockMetadata) isRecord() {}

// Split sorts a homogeneous record slice into its typed form. Records of a
// different kind than want yield an error.
func Split[T Record](records []Record) ([]T, error) {
	out := make([]T, 0, len(records))
	for _, r := range records {
		v, ok := r.(T)
		if !ok {
			return nil, fmt.Errorf("unexpected %s record in batch", r.Kind())
		}
		out = append(out, v)
	}
	return out, nil
}
