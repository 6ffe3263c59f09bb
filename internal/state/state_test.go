package state

import (
	"sync"
	"testing"
)

func TestPackRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		flags     Flag
		remaining int64
	}{
		{"zero", 0, 0},
		{"count only", 0, 1234},
		{"flags only", CloseRequested | FinishedCalled, 0},
		{"max count", LengthChecked, MaxRemaining},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Pack(tt.flags, tt.remaining)
			if v.Remaining() != tt.remaining {
				t.Errorf("Remaining() = %d, want %d", v.Remaining(), tt.remaining)
			}
			if tt.flags != 0 && !v.Has(tt.flags) {
				t.Errorf("Has(%#x) = false", tt.flags)
			}
			if v.Any(CloseComplete) {
				t.Error("unexpected CloseComplete")
			}
		})
	}
}

func TestValueMutators(t *testing.T) {
	v := Pack(CloseRequested, 10)
	v = v.Consume(4)
	if v.Remaining() != 6 || !v.Has(CloseRequested) {
		t.Fatalf("Consume kept %v", v)
	}
	v = v.With(CloseComplete).Without(CloseRequested)
	if v.Any(CloseRequested) || !v.Has(CloseComplete) || v.Remaining() != 6 {
		t.Fatalf("flag mutation broke value: %v", v)
	}
}

func TestPackRejectsNegative(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for negative remaining")
		}
	}()
	_ = Pack(0, -1)
}

func TestSetOnceConcurrent(t *testing.T) {
	w := NewWord(0, 100)
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if w.SetOnce(FinishedCalled) {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Errorf("SetOnce won %d times, want 1", winners)
	}
	if w.Load().Remaining() != 100 {
		t.Errorf("counter changed to %d", w.Load().Remaining())
	}
}
