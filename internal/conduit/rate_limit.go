package conduit

import (
	"io"
	"sync"
	"time"

	"github.com/albertbausili/sluice/internal/pool"
)

type sendRecord struct {
	at time.Time
	n  int64
}

// RateLimitingSink caps throughput so that no window of length Window ever
// carries more than Bytes bytes. Writes beyond the allowance return zero;
// if writes are resumed, next is suspended and a timer resumes it once the
// oldest send leaves the window.
type RateLimitingSink struct {
	SinkBase

	bytes  int64
	window time.Duration
	clock  Clock

	mu      sync.Mutex
	log     []sendRecord
	sent    int64
	resumed bool
	timer   Timer
}

// NewRateLimitingSink returns a sink allowing bytes per window.
func NewRateLimitingSink(next SinkConduit, bytes int64, window time.Duration, clock Clock) *RateLimitingSink {
	return &RateLimitingSink{
		SinkBase: SinkBase{Next: next},
		bytes:    bytes,
		window:   window,
		clock:    clockOrSystem(clock),
	}
}

// prune drops sends that left the window ending at now. mu must be held.
func (s *RateLimitingSink) prune(now time.Time) {
	cut := now.Add(-s.window)
	i := 0
	for i < len(s.log) && !s.log[i].at.After(cut) {
		s.sent -= s.log[i].n
		i++
	}
	if i > 0 {
		s.log = append(s.log[:0], s.log[i:]...)
	}
}

// allowance returns how many bytes may be sent now and, when none, how long
// until the oldest send expires. mu must be held.
func (s *RateLimitingSink) allowance(now time.Time) (int64, time.Duration) {
	s.prune(now)
	if left := s.bytes - s.sent; left > 0 {
		return left, 0
	}
	if len(s.log) == 0 {
		return 0, s.window
	}
	return 0, s.log[0].at.Add(s.window).Sub(now)
}

func (s *RateLimitingSink) record(now time.Time, n int64) {
	if n <= 0 {
		return
	}
	if l := len(s.log); l > 0 && s.log[l-1].at.Equal(now) {
		s.log[l-1].n += n
	} else {
		s.log = append(s.log, sendRecord{at: now, n: n})
	}
	s.sent += n
}

// canSend returns the current allowance, parking next behind a timer if it
// is exhausted while writes are resumed.
func (s *RateLimitingSink) canSend() (int64, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	left, wait := s.allowance(now)
	if left == 0 && s.resumed {
		s.scheduleLocked(wait)
	}
	return left, now
}

func (s *RateLimitingSink) scheduleLocked(wait time.Duration) {
	if s.timer != nil {
		return
	}
	s.Next.SuspendWrites()
	s.timer = s.clock.AfterFunc(wait, s.timerFired)
}

func (s *RateLimitingSink) timerFired() {
	s.mu.Lock()
	s.timer = nil
	resumed := s.resumed
	s.mu.Unlock()
	if resumed {
		s.Next.WakeupWrites()
	}
}

func (s *RateLimitingSink) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	left, now := s.canSend()
	if left == 0 {
		return 0, nil
	}
	if int64(len(p)) > left {
		p = p[:left]
	}
	n, err := s.Next.Write(p)
	s.mu.Lock()
	s.record(now, int64(n))
	s.mu.Unlock()
	return n, err
}

func (s *RateLimitingSink) Writev(bufs [][]byte) (int64, error) {
	if Remaining(bufs) == 0 {
		return 0, nil
	}
	left, now := s.canSend()
	if left == 0 {
		return 0, nil
	}
	n, err := s.Next.Writev(limit(bufs, left))
	s.mu.Lock()
	s.record(now, n)
	s.mu.Unlock()
	return n, err
}

func (s *RateLimitingSink) WriteFinal(p []byte) (int, error) { return WriteFinalBasic(s, p) }

func (s *RateLimitingSink) WritevFinal(bufs [][]byte) (int64, error) {
	return WritevFinalBasic(s, bufs)
}

func (s *RateLimitingSink) TransferFrom(src io.ReaderAt, position, count int64) (int64, error) {
	return TransferFromReaderAt(s, src, position, count)
}

func (s *RateLimitingSink) TransferFromSource(src SourceConduit, count int64, through *pool.Buffer) (int64, error) {
	return TransferFromSourceBasic(s, src, count, through)
}

func (s *RateLimitingSink) SuspendWrites() {
	s.mu.Lock()
	s.resumed = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	s.Next.SuspendWrites()
}

func (s *RateLimitingSink) ResumeWrites() {
	s.mu.Lock()
	s.resumed = true
	left, wait := s.allowance(s.clock.Now())
	if left == 0 {
		s.scheduleLocked(wait)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.Next.ResumeWrites()
}

func (s *RateLimitingSink) WakeupWrites() {
	s.mu.Lock()
	s.resumed = true
	left, wait := s.allowance(s.clock.Now())
	if left == 0 {
		s.scheduleLocked(wait)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.Next.WakeupWrites()
}

func (s *RateLimitingSink) IsWriteResumed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumed
}

// AwaitWritable sleeps the calling goroutine until the allowance refills,
// bounded by timeout. This is the one conduit call that blocks: it applies
// backpressure to callers that use the blocking style.
func (s *RateLimitingSink) AwaitWritable(timeout time.Duration) error {
	s.mu.Lock()
	left, wait := s.allowance(s.clock.Now())
	s.mu.Unlock()
	if left > 0 {
		return s.Next.AwaitWritable(timeout)
	}
	if timeout > 0 && wait > timeout {
		s.clock.Sleep(timeout)
		return nil
	}
	s.clock.Sleep(wait)
	if timeout > 0 {
		timeout -= wait
		if timeout <= 0 {
			return nil
		}
	}
	return s.Next.AwaitWritable(timeout)
}

func (s *RateLimitingSink) stopTimer() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
}

func (s *RateLimitingSink) TerminateWrites() error {
	s.stopTimer()
	return s.Next.TerminateWrites()
}

func (s *RateLimitingSink) TruncateWrites() error {
	s.stopTimer()
	return s.Next.TruncateWrites()
}
