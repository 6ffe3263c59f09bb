package conduit

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zlib"

	"github.com/albertbausili/sluice/internal/pool"
)

// Content codings understood by the compression conduits.
const (
	EncodingGzip    = "gzip"
	EncodingDeflate = "deflate"
	EncodingBrotli  = "br"
)

// DefaultLevel selects each coding's default compression level.
const DefaultLevel = -1

var gzipHeader = []byte{0x1f, 0x8b, 8, 0, 0, 0, 0, 0, 0, 0}

// gzip header flags
const (
	gzipHeaderCRC = 1 << 1
	gzipExtra     = 1 << 2
	gzipName      = 1 << 3
	gzipComment   = 1 << 4
	gzipReserved  = 0xe0
)

// Compressor is a streaming compression engine. The gzip coding drives a
// raw deflate engine and adds its own envelope.
type Compressor interface {
	io.Writer
	Flush() error
	Close() error
	Reset(w io.Writer)
}

// Supported reports whether encoding names a coding the conduits handle.
func Supported(encoding string) bool {
	switch strings.ToLower(encoding) {
	case EncodingGzip, EncodingDeflate, EncodingBrotli:
		return true
	}
	return false
}

type compressorKey struct {
	encoding string
	level    int
}

var compressors sync.Map // compressorKey -> *sync.Pool

func acquireCompressor(encoding string, level int, w io.Writer) (Compressor, error) {
	if p, ok := compressors.Load(compressorKey{encoding, level}); ok {
		if c, ok := p.(*sync.Pool).Get().(Compressor); ok {
			c.Reset(w)
			return c, nil
		}
	}
	return newCompressor(encoding, level, w)
}

func releaseCompressor(encoding string, level int, c Compressor) {
	c.Reset(io.Discard)
	p, _ := compressors.LoadOrStore(compressorKey{encoding, level}, new(sync.Pool))
	p.(*sync.Pool).Put(c)
}

func newCompressor(encoding string, level int, w io.Writer) (Compressor, error) {
	switch encoding {
	case EncodingGzip:
		fw, err := flate.NewWriter(w, level)
		if err != nil {
			return nil, err
		}
		return fw, nil
	case EncodingDeflate:
		zw, err := zlib.NewWriterLevel(w, level)
		if err != nil {
			return nil, err
		}
		return zw, nil
	case EncodingBrotli:
		if level == DefaultLevel {
			level = brotli.DefaultCompression
		}
		return brotli.NewWriterLevel(w, level), nil
	}
	return nil, fmt.Errorf("conduit: unsupported content coding %q", encoding)
}

var flateReaders sync.Pool

func acquireFlateReader(r io.Reader) io.ReadCloser {
	if fr, ok := flateReaders.Get().(io.ReadCloser); ok {
		if err := fr.(flate.Resetter).Reset(r, nil); err == nil {
			return fr
		}
	}
	return flate.NewReader(r)
}

func releaseFlateReader(fr io.ReadCloser) {
	_ = fr.Close()
	flateReaders.Put(fr)
}

// NewGzipSink returns a deflating sink producing the gzip content-coding.
func NewGzipSink(factory SinkFactory, level int, alloc pool.Allocator, ex Exchange) (*DeflatingSink, error) {
	return NewDeflatingSink(factory, EncodingGzip, level, alloc, ex)
}

// NewBrotliSink returns a deflating sink producing the br content-coding.
func NewBrotliSink(factory SinkFactory, level int, alloc pool.Allocator, ex Exchange) (*DeflatingSink, error) {
	return NewDeflatingSink(factory, EncodingBrotli, level, alloc, ex)
}

// NewGzipSource returns an inflating source for gzip bodies.
func NewGzipSource(next SourceConduit, alloc pool.Allocator, ex Exchange, onFinish func(*InflatingSource)) (*InflatingSource, error) {
	return NewInflatingSource(next, EncodingGzip, alloc, ex, onFinish)
}

// NewBrotliSource returns an inflating source for br bodies.
func NewBrotliSource(next SourceConduit, alloc pool.Allocator, ex Exchange, onFinish func(*InflatingSource)) (*InflatingSource, error) {
	return NewInflatingSource(next, EncodingBrotli, alloc, ex, onFinish)
}
