// Package orderbook holds the shared order book cache for the call auction:
// a typed two-sided book per property, a versioned wire encoding, and a
// Redis-backed store that doubles as the publish side of event distribution.
package orderbook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// SnapshotVersion is the current wire encoding version. Payloads carrying
// any other version are rejected as corrupt.
const SnapshotVersion = 1

// ErrCorruptSnapshot is returned when a stored book payload cannot be
// decoded. Callers must treat it as fatal for the operation; it is never
// coerced to an empty book.
var ErrCorruptSnapshot = errors.New("corrupt order book snapshot")

// Entry is one resting order's slot in a price level queue.
type Entry struct {
	OrderID  uuid.UUID `json:"order_id"`
	Quantity int64     `json:"quantity"`
}

// Level is a FIFO queue of entries at one price. Orders preserves arrival
// order, oldest first.
type Level struct {
	Price  int64   `json:"price"`
	Orders []Entry `json:"orders"`
}

// Side is a list of price levels kept sorted by ascending price.
type Side []Level

// Book is the complete two-sided resting order state for one property.
type Book struct {
	Buy  Side `json:"buy"`
	Sell Side `json:"sell"`
}

// Snapshot wraps a book with its property and encoding version.
type Snapshot struct {
	Version    int       `json:"version"`
	PropertyID uuid.UUID `json:"property_id"`
	Book       Book      `json:"book"`
}

// NewSnapshot returns an empty two-sided book for the given property.
func NewSnapshot(propertyID uuid.UUID) *Snapshot {
	return &Snapshot{
		Version:    SnapshotVersion,
		PropertyID: propertyID,
		Book:       Book{Buy: Side{}, Sell: Side{}},
	}
}

// Empty reports whether both sides hold no orders.
func (b *Book) Empty() bool {
	return len(b.Buy) == 0 && len(b.Sell) == 0
}

func (b *Book) side(side string) *Side {
	if side == "buy" {
		return &b.Buy
	}
	return &b.Sell
}

// Append adds an order to the tail of its price level queue, creating the
// level in sorted position if absent.
func (b *Book) Append(side string, price int64, e Entry) {
	s := b.side(side)
	i := sort.Search(len(*s), func(i int) bool { return (*s)[i].Price >= price })
	if i < len(*s) && (*s)[i].Price == price {
		(*s)[i].Orders = append((*s)[i].Orders, e)
		return
	}
	level := Level{Price: price, Orders: []Entry{e}}
	*s = append(*s, Level{})
	copy((*s)[i+1:], (*s)[i:])
	(*s)[i] = level
}

// Remove deletes the entry with the given order id from its price level,
// dropping the level when it empties. It reports whether the entry existed.
func (b *Book) Remove(side string, price int64, orderID uuid.UUID) bool {
	s := b.side(side)
	i := sort.Search(len(*s), func(i int) bool { return (*s)[i].Price >= price })
	if i >= len(*s) || (*s)[i].Price != price {
		return false
	}
	orders := (*s)[i].Orders
	for j, e := range orders {
		if e.OrderID == orderID {
			(*s)[i].Orders = append(orders[:j], orders[j+1:]...)
			if len((*s)[i].Orders) == 0 {
				*s = append((*s)[:i], (*s)[i+1:]...)
			}
			return true
		}
	}
	return false
}

// EncodeSnapshot serializes a snapshot into its versioned wire form.
func EncodeSnapshot(s *Snapshot) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot parses a stored payload. Any shape or version mismatch is
// reported as ErrCorruptSnapshot.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var s Snapshot
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if s.Version != SnapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptSnapshot, s.Version)
	}
	if s.Book.Buy == nil {
		s.Book.Buy = Side{}
	}
	if s.Book.Sell == nil {
		s.Book.Sell = Side{}
	}
	return &s, nil
}
