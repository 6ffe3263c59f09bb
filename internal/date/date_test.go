package date

import (
	"net/http"
	"testing"
	"time"
)

func TestFormat(t *testing.T) {
	ts := time.Date(1994, time.November, 6, 8, 49, 37, 0, time.FixedZone("X", 3600))
	if got, want := string(Format(ts)), "Sun, 06 Nov 1994 07:49:37 GMT"; got != want {
		t.Errorf("Format() = %q, want %q", got, want)
	}
}

func TestCurrent(t *testing.T) {
	stop := StartTicker()
	defer stop()

	got := Current()
	parsed, err := http.ParseTime(string(got))
	if err != nil {
		t.Fatalf("Current() = %q: %v", got, err)
	}
	if d := time.Since(parsed); d < -time.Second || d > 2*time.Second {
		t.Errorf("Current() is %v away from now", d)
	}
}
