// Package date keeps a cached HTTP Date header value.
package date

import (
	"net/http"
	"sync/atomic"
	"time"
)

var current atomic.Pointer[[]byte]

// Interval is how often the cached value is refreshed.
const Interval = 500 * time.Millisecond

// StartTicker refreshes the cached date every Interval until the returned
// function is called.
func StartTicker() func() {
	update(time.Now())

	ticker := time.NewTicker(Interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case now := <-ticker.C:
				update(now)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() {
		close(done)
	}
}

func update(now time.Time) {
	b := Format(now)
	current.Store(&b)
}

// Format renders t in IMF-fixdate form.
func Format(t time.Time) []byte {
	return t.UTC().AppendFormat(make([]byte, 0, len(http.TimeFormat)), http.TimeFormat)
}

// Current returns the cached date. Callers must not modify the result.
func Current() []byte {
	if p := current.Load(); p != nil {
		return *p
	}
	return Format(time.Now())
}
