package chunk

// Validator follows a byte stream that is already chunk-framed, without
// decoding it, and rejects framing errors and bytes past the terminal chunk.
type Validator struct {
	p Parser
}

// Finished reports whether the terminal chunk and trailer section were seen.
func (v *Validator) Finished() bool { return v.p.State() == Finished }

// Remaining returns the data bytes left in the current chunk, or -1 once the
// stream is complete.
func (v *Validator) Remaining() int64 { return v.p.Remaining() }

// Scan advances over b, which must be the next bytes of the stream.
func (v *Validator) Scan(b []byte) error {
	for len(b) > 0 {
		switch v.p.State() {
		case Finished:
			return ErrDataAfterLastChunk
		case ReadingData:
			n := v.p.Remaining()
			if int64(len(b)) < n {
				v.p.SetRemaining(n - int64(len(b)))
				return nil
			}
			b = b[n:]
			v.p.SetRemaining(0)
			continue
		}
		n, _, err := v.p.Next(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// Check reports, without consuming anything, whether b may follow the bytes
// scanned so far: it fails only if the stream has already finished.
func (v *Validator) Check(b []byte) error {
	if len(b) > 0 && v.Finished() {
		return ErrDataAfterLastChunk
	}
	return nil
}

// Fork returns an independent copy of v. Scanning the copy leaves v
// untouched, so a caller can vet bytes before committing to them.
func (v *Validator) Fork() *Validator {
	f := &Validator{p: v.p}
	if t := v.p.trailer; t != nil {
		tc := *t
		tc.builder = append([]byte(nil), t.builder...)
		tc.fields = NewTrailers()
		f.p.trailer = &tc
	}
	return f
}
