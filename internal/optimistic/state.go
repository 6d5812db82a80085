package optimistic

import (
	"fmt"
	"time"
)

// MutationKind names the three mutation intents.
type MutationKind string

const (
	KindAdd    MutationKind = "add"
	KindUpdate MutationKind = "update"
	KindRemove MutationKind = "remove"
)

// Position is the rollback policy for a failed Remove.
type Position int

const (
	// RestoreAtIndex re-inserts the snapshot at its original index, clamped
	// to the current length of the list.
	RestoreAtIndex Position = iota

	// RestoreAtFront re-inserts the snapshot at the head of the list.
	RestoreAtFront
)

// String returns the configuration name of p.
func (p Position) String() string {
	switch p {
	case RestoreAtIndex:
		return "index"
	case RestoreAtFront:
		return "front"
	default:
		return fmt.Sprintf("Position(%d)", int(p))
	}
}

// ParsePosition parses "index" or "front".
func ParsePosition(s string) (Position, error) {
	switch s {
	case "", "index":
		return RestoreAtIndex, nil
	case "front":
		return RestoreAtFront, nil
	default:
		return RestoreAtIndex, fmt.Errorf("unknown rollback position %q (want index or front)", s)
	}
}

// UnmarshalText lets Position be parsed from environment variables and
// flags.
func (p *Position) UnmarshalText(text []byte) error {
	v, err := ParsePosition(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Item is one entry of a ListState.
type Item[T any] struct {
	// Key identifies the entry. It is a temporary key while an Add of a
	// value without its own key is in flight.
	Key string

	Value T

	// Pending is true while a mutation for Key is in flight, meaning Value
	// is an optimistic overlay rather than the authoritative value.
	Pending bool
}

// ListState is an immutable snapshot of an Engine's list.
type ListState[T any] struct {
	// Version increases with every published change.
	Version uint64

	Items []Item[T]

	// InFlight holds every key with a mutation in flight, in key order. A
	// key being removed appears here but not in Items.
	InFlight []string
}

// Keys returns the item keys in list order.
func (s ListState[T]) Keys() []string {
	keys := make([]string, len(s.Items))
	for i, it := range s.Items {
		keys[i] = it.Key
	}
	return keys
}

// Get returns the value stored under key.
func (s ListState[T]) Get(key string) (T, bool) {
	for _, it := range s.Items {
		if it.Key == key {
			return it.Value, true
		}
	}
	var zero T
	return zero, false
}

// Recorder receives mutation measurements. See metrics.Collector.
type Recorder interface {
	RecordMutation(op string, err error)
	RecordRollback(op string)
	RecordConflict(op string)
	RecordSuperseded(op string)
}

type nopRecorder struct{}

func (nopRecorder) RecordMutation(string, error) {}
func (nopRecorder) RecordRollback(string)        {}
func (nopRecorder) RecordConflict(string)        {}
func (nopRecorder) RecordSuperseded(string)      {}

// DefaultTimeout is the mutation deadline used by hosts that do not
// configure one. Engines constructed without WithTimeout wait indefinitely.
const DefaultTimeout = 10 * time.Second
