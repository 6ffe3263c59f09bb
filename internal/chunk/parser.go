// Package chunk implements HTTP/1.1 chunked transfer-coding framing.
//
// Parser is the framing state machine. Reader builds the body decoder on top
// of it; Validator uses it to check bytes that are already chunk-framed.
package chunk

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/albertbausili/sluice/internal/state"
	"golang.org/x/net/http/httpguts"
)

var (
	// ErrMalformed reports invalid chunk framing or trailer syntax.
	ErrMalformed = errors.New("malformed chunked encoding")

	// ErrDataAfterLastChunk reports bytes written past the terminal chunk.
	ErrDataAfterLastChunk = errors.New("extra data written after chunk end")
)

// DefaultMaxTrailerBytes bounds the trailer section when no limit is set.
const DefaultMaxTrailerBytes = 8 << 10

// State is the position of the parser within the chunked stream.
type State uint8

const (
	ReadingLength State = iota
	ReadingTillEOL
	ReadingData
	ReadingNewline
	ReadingAfterLast
	Finished
)

func (s State) String() string {
	switch s {
	case ReadingLength:
		return "READING_LENGTH"
	case ReadingTillEOL:
		return "READING_TILL_EOL"
	case ReadingData:
		return "READING_DATA"
	case ReadingNewline:
		return "READING_NEWLINE"
	case ReadingAfterLast:
		return "READING_AFTER_LAST"
	case Finished:
		return "FINISHED"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

type trailerState uint8

const (
	trailerName trailerState = iota
	trailerValue
	trailerEnding
)

type trailerParser struct {
	state   trailerState
	name    string
	builder []byte
	size    int
	fields  *Trailers
}

// Parser tracks chunk framing. The zero value is ready to parse a stream.
type Parser struct {
	// MaxTrailerBytes bounds the trailer section. Zero means
	// DefaultMaxTrailerBytes.
	MaxTrailerBytes int

	state     State
	remaining int64
	digits    int
	trailer   *trailerParser
	err       error
}

// State returns the current state.
func (p *Parser) State() State { return p.state }

// Remaining returns the data bytes left in the current chunk, 0 while framing
// is being read, and -1 once the terminal chunk and trailers are complete.
func (p *Parser) Remaining() int64 {
	switch p.state {
	case Finished:
		return -1
	case ReadingData:
		return p.remaining
	}
	return 0
}

// SetRemaining records that chunk data was consumed outside the parser. It is
// ignored unless the parser is inside chunk data. Setting zero moves the
// parser to the CRLF that follows the data.
func (p *Parser) SetRemaining(n int64) {
	if p.state != ReadingData || n < 0 {
		return
	}
	p.remaining = n
	if n == 0 {
		p.state = ReadingNewline
	}
}

// Trailers returns the parsed trailer fields, or nil if none were sent.
func (p *Parser) Trailers() *Trailers {
	if p.trailer == nil {
		return nil
	}
	return p.trailer.fields
}

// Err returns the sticky framing error, if any.
func (p *Parser) Err() error { return p.err }

func (p *Parser) fail(format string, args ...any) error {
	p.err = fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
	return p.err
}

func hexValue(c byte) (int64, bool) {
	switch {
	case c >= '0' && c <= '9':
		return int64(c - '0'), true
	case c >= 'a' && c <= 'f':
		return int64(c-'a') + 10, true
	case c >= 'A' && c <= 'F':
		return int64(c-'A') + 10, true
	}
	return 0, false
}

func (p *Parser) endLength() {
	p.digits = 0
	if p.remaining == 0 {
		p.state = ReadingAfterLast
		return
	}
	p.state = ReadingData
}

// Next consumes framing bytes from b. It returns how many bytes were consumed
// and the result of Remaining afterwards: the size of chunk data that
// immediately follows, 0 if more input is needed, or -1 when the stream is
// complete. Next never consumes chunk data.
func (p *Parser) Next(b []byte) (int, int64, error) {
	if p.err != nil {
		return 0, 0, p.err
	}
	i := 0
	for {
		switch p.state {
		case ReadingData:
			return i, p.remaining, nil

		case Finished:
			return i, -1, nil

		case ReadingNewline:
			j := bytes.IndexByte(b[i:], '\n')
			if j < 0 {
				return len(b), 0, nil
			}
			i += j + 1
			p.state, p.remaining, p.digits = ReadingLength, 0, 0

		case ReadingLength:
			for p.state == ReadingLength {
				if i == len(b) {
					return i, 0, nil
				}
				c := b[i]
				i++
				if d, ok := hexValue(c); ok {
					if p.remaining > state.MaxRemaining>>4 {
						return i, 0, p.fail("chunk size too large")
					}
					p.remaining = p.remaining<<4 | d
					p.digits++
					continue
				}
				if p.digits == 0 {
					return i, 0, p.fail("missing chunk size")
				}
				if c == '\n' {
					p.endLength()
				} else {
					p.state = ReadingTillEOL
				}
			}

		case ReadingTillEOL:
			j := bytes.IndexByte(b[i:], '\n')
			if j < 0 {
				return len(b), 0, nil
			}
			i += j + 1
			p.endLength()

		case ReadingAfterLast:
			n, done, err := p.readTrailers(b[i:])
			i += n
			if err != nil {
				return i, 0, err
			}
			if !done {
				return i, 0, nil
			}
			p.state = Finished
		}
	}
}

func (p *Parser) readTrailers(b []byte) (int, bool, error) {
	i := 0
	if p.trailer == nil {
		for ; i < len(b); i++ {
			c := b[i]
			if c == '\n' {
				return i + 1, true, nil
			}
			if c != '\r' {
				p.trailer = &trailerParser{fields: NewTrailers()}
				break
			}
		}
		if p.trailer == nil {
			return i, false, nil
		}
	}

	limit := p.MaxTrailerBytes
	if limit <= 0 {
		limit = DefaultMaxTrailerBytes
	}
	t := p.trailer
	for ; i < len(b); i++ {
		c := b[i]
		if t.size++; t.size > limit {
			return i + 1, false, p.fail("trailer section exceeds %d bytes", limit)
		}
		switch t.state {
		case trailerName:
			switch c {
			case '\r':
				if len(t.builder) != 0 {
					return i + 1, false, p.fail("trailer line without colon")
				}
				t.state = trailerEnding
			case '\n':
				if len(t.builder) != 0 {
					return i + 1, false, p.fail("trailer line without colon")
				}
				return i + 1, true, nil
			case ':':
				name := strings.TrimSpace(string(t.builder))
				if !httpguts.ValidHeaderFieldName(name) {
					return i + 1, false, p.fail("invalid trailer name %q", name)
				}
				t.name = name
				t.builder = t.builder[:0]
				t.state = trailerValue
			default:
				t.builder = append(t.builder, c)
			}
		case trailerValue:
			switch c {
			case '\n':
				value := strings.TrimSpace(string(t.builder))
				if !httpguts.ValidHeaderFieldValue(value) {
					return i + 1, false, p.fail("invalid value for trailer %q", t.name)
				}
				t.fields.Add(t.name, value)
				t.name = ""
				t.builder = t.builder[:0]
				t.state = trailerName
			case '\r':
			default:
				t.builder = append(t.builder, c)
			}
		case trailerEnding:
			if c != '\n' {
				return i + 1, false, p.fail("expected LF after trailer section")
			}
			return i + 1, true, nil
		}
	}
	return i, false, nil
}
