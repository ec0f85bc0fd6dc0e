package encoding

import (
	"compress/gzip"
	"io"
)

// gzipCompressor is the default attachment Compressor, registered under
// "gzip". Attachment compression runs on the dispatcher's compression
// invoker (spec §4.7), never inline on a caller's goroutine.
type gzipCompressor struct{}

func (gzipCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return gzip.NewWriterLevel(w, gzip.BestSpeed)
}

func (gzipCompressor) Decompress(r io.Reader) (io.Reader, error) {
	return gzip.NewReader(r)
}

func (gzipCompressor) Name() string { return "gzip" }

func init() {
	RegisterCompressor(gzipCompressor{})
}
