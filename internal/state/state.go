// Package state provides the packed state word shared by length-bounded conduits.
//
// A Word carries a remaining-byte counter in its low 56 bits and up to eight
// sentinel flags above it. Flags and counter are always read and written
// together, so a reader never observes one updated without the other.
package state

import (
	"fmt"
	"sync/atomic"
)

const countBits = 56

// CountMask selects the remaining-byte counter of a Value.
const CountMask = 1<<countBits - 1

// MaxRemaining is the largest counter a Word can hold.
const MaxRemaining = int64(CountMask)

// Flag is a sentinel bit stored above the counter.
type Flag uint64

// Sentinel flags. Conduits use the subset they need.
const (
	CloseRequested Flag = 1 << (countBits + iota)
	CloseComplete
	FinishedCalled
	LengthChecked
	Broken
	PropagateClose
	Started
)

// Value is one snapshot of a Word.
type Value uint64

// Pack builds a Value from flags and a remaining count.
func Pack(flags Flag, remaining int64) Value {
	if remaining < 0 || remaining > MaxRemaining {
		panic(fmt.Sprintf("state: remaining %d out of range", remaining))
	}
	return Value(uint64(flags)&^CountMask | uint64(remaining))
}

// Remaining returns the counter.
func (v Value) Remaining() int64 { return int64(uint64(v) & CountMask) }

// Has reports whether every bit of f is set.
func (v Value) Has(f Flag) bool { return uint64(v)&uint64(f) == uint64(f) }

// Any reports whether at least one bit of f is set.
func (v Value) Any(f Flag) bool { return uint64(v)&uint64(f) != 0 }

// With returns v with f set.
func (v Value) With(f Flag) Value { return v | Value(f) }

// Without returns v with f cleared.
func (v Value) Without(f Flag) Value { return v &^ Value(f) }

// WithRemaining returns v with the counter replaced by n.
func (v Value) WithRemaining(n int64) Value {
	return Pack(Flag(uint64(v)&^CountMask), n)
}

// Consume returns v with n subtracted from the counter.
func (v Value) Consume(n int64) Value {
	return v.WithRemaining(v.Remaining() - n)
}

func (v Value) String() string {
	return fmt.Sprintf("state{flags=%#x remaining=%d}", uint64(v)>>countBits, v.Remaining())
}

// Word is an atomically updated Value.
type Word struct {
	v atomic.Uint64
}

// NewWord returns a Word holding the given flags and remaining count.
func NewWord(flags Flag, remaining int64) *Word {
	w := new(Word)
	w.Store(Pack(flags, remaining))
	return w
}

// Load returns the current snapshot.
func (w *Word) Load() Value { return Value(w.v.Load()) }

// Store replaces the snapshot.
func (w *Word) Store(v Value) { w.v.Store(uint64(v)) }

// CompareAndSwap replaces old with next if the word still holds old.
func (w *Word) CompareAndSwap(old, next Value) bool {
	return w.v.CompareAndSwap(uint64(old), uint64(next))
}

// Update applies fn until it is installed without interference and returns
// the snapshots before and after.
func (w *Word) Update(fn func(Value) Value) (old, next Value) {
	for {
		old = w.Load()
		next = fn(old)
		if w.CompareAndSwap(old, next) {
			return old, next
		}
	}
}

// SetOnce sets f and reports whether this call was the one that set it.
func (w *Word) SetOnce(f Flag) bool {
	old, _ := w.Update(func(v Value) Value { return v.With(f) })
	return !old.Has(f)
}
