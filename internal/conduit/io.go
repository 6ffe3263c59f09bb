package conduit

import (
	"errors"
	"io"

	"github.com/albertbausili/sluice/internal/pool"
)

// transferSize bounds the scratch buffer used for file transfers.
const transferSize = 8 << 10

var scratch = pool.NewAllocator(transferSize)

// Remaining returns the total number of bytes across bufs.
func Remaining(bufs [][]byte) int64 {
	var n int64
	for _, b := range bufs {
		n += int64(len(b))
	}
	return n
}

// Advance drops the first n bytes from bufs and returns what is left.
// Fully consumed slices are dropped; a partially consumed one is re-sliced
// in place.
func Advance(bufs [][]byte, n int64) [][]byte {
	for len(bufs) > 0 && n > 0 {
		if l := int64(len(bufs[0])); l <= n {
			n -= l
			bufs = bufs[1:]
			continue
		}
		bufs[0] = bufs[0][n:]
		n = 0
	}
	for len(bufs) > 0 && len(bufs[0]) == 0 {
		bufs = bufs[1:]
	}
	return bufs
}

// limit returns a view of bufs holding at most n bytes. The caller's slice
// is returned unchanged when it already fits.
func limit(bufs [][]byte, n int64) [][]byte {
	if Remaining(bufs) <= n {
		return bufs
	}
	out := make([][]byte, 0, len(bufs))
	for _, b := range bufs {
		if n <= 0 {
			break
		}
		if int64(len(b)) > n {
			b = b[:n]
		}
		out = append(out, b)
		n -= int64(len(b))
	}
	return out
}

// skip returns bufs with the first n bytes removed without modifying the
// caller's slice.
func skip(bufs [][]byte, n int64) [][]byte {
	for len(bufs) > 0 && n >= int64(len(bufs[0])) {
		n -= int64(len(bufs[0]))
		bufs = bufs[1:]
	}
	if n == 0 || len(bufs) == 0 {
		return bufs
	}
	out := make([][]byte, len(bufs))
	copy(out, bufs)
	out[0] = out[0][n:]
	return out
}

// WritevBasic writes bufs through s one slice at a time, stopping at the
// first short write.
func WritevBasic(s SinkConduit, bufs [][]byte) (int64, error) {
	var total int64
	for _, b := range bufs {
		if len(b) == 0 {
			continue
		}
		n, err := s.Write(b)
		total += int64(n)
		if err != nil {
			return total, err
		}
		if n < len(b) {
			break
		}
	}
	return total, nil
}

// WriteFinalBasic writes p through s and terminates writes once p has been
// consumed entirely.
func WriteFinalBasic(s SinkConduit, p []byte) (int, error) {
	n, err := s.Write(p)
	if err != nil || n < len(p) {
		return n, err
	}
	return n, s.TerminateWrites()
}

// WritevFinalBasic is the gather form of WriteFinalBasic.
func WritevFinalBasic(s SinkConduit, bufs [][]byte) (int64, error) {
	want := Remaining(bufs)
	n, err := s.Writev(bufs)
	if err != nil || n < want {
		return n, err
	}
	return n, s.TerminateWrites()
}

// ReadvBasic fills bufs through s one slice at a time.
func ReadvBasic(s SourceConduit, bufs [][]byte) (int64, error) {
	var total int64
	for _, b := range bufs {
		if len(b) == 0 {
			continue
		}
		n, err := s.Read(b)
		total += int64(n)
		if err != nil {
			if errors.Is(err, io.EOF) && total > 0 {
				return total, nil
			}
			return total, err
		}
		if n < len(b) {
			break
		}
	}
	return total, nil
}

// TransferFromReaderAt copies up to count bytes of src starting at position
// into s using ordinary writes.
func TransferFromReaderAt(s SinkConduit, src io.ReaderAt, position, count int64) (int64, error) {
	buf := scratch.Allocate()
	defer buf.Release()

	var total int64
	for total < count {
		p := buf.Free()
		if rem := count - total; int64(len(p)) > rem {
			p = p[:rem]
		}
		r, rerr := src.ReadAt(p, position+total)
		if r == 0 {
			if rerr != nil && !errors.Is(rerr, io.EOF) {
				return total, rerr
			}
			break
		}
		w, err := s.Write(p[:r])
		total += int64(w)
		if err != nil || w < r {
			return total, err
		}
	}
	return total, nil
}

// TransferFromSourceBasic moves up to count bytes from src into s via
// through. It returns the bytes read from src; any still sitting in through
// must be written by the caller before the next transfer.
func TransferFromSourceBasic(s SinkConduit, src SourceConduit, count int64, through *pool.Buffer) (int64, error) {
	var total int64
	for {
		if through.Len() > 0 {
			n, err := s.Write(through.Bytes())
			through.Advance(n)
			if err != nil {
				return total, err
			}
			if through.Len() > 0 {
				return total, nil
			}
		}
		if total >= count {
			return total, nil
		}
		through.Compact()
		p := through.Free()
		if rem := count - total; int64(len(p)) > rem {
			p = p[:rem]
		}
		n, err := src.Read(p)
		through.Commit(n)
		total += int64(n)
		if err != nil {
			if errors.Is(err, io.EOF) && total > 0 {
				err = nil
			}
			if through.Len() > 0 {
				w, werr := s.Write(through.Bytes())
				through.Advance(w)
				if werr != nil {
					return total, werr
				}
			}
			return total, err
		}
		if n == 0 {
			return total, nil
		}
	}
}

// TransferToWriterAt reads up to count bytes from s and writes them to dst
// starting at position.
func TransferToWriterAt(s SourceConduit, dst io.WriterAt, position, count int64) (int64, error) {
	buf := scratch.Allocate()
	defer buf.Release()

	var total int64
	for total < count {
		p := buf.Free()
		if rem := count - total; int64(len(p)) > rem {
			p = p[:rem]
		}
		n, err := s.Read(p)
		if n > 0 {
			if _, werr := dst.WriteAt(p[:n], position+total); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err != nil {
			if errors.Is(err, io.EOF) && total > 0 {
				return total, nil
			}
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

// TransferToSinkBasic moves up to count bytes from s into sink via through.
func TransferToSinkBasic(s SourceConduit, sink SinkConduit, count int64, through *pool.Buffer) (int64, error) {
	return TransferFromSourceBasic(sink, s, count, through)
}
