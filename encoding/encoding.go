// Package encoding defines the registries for body codecs (the
// "ResponseCodec"/"RequestFormat" header fields from spec §3) and
// attachment compressors (spec §4.7's per-direction compression invoker),
// and the functions to register and retrieve them by name.
//
// Adapted from the teacher's encoding package (chalvern-grpc-go/encoding),
// which registered gRPC wire codecs/compressors the same way; the registry
// shape carries over unchanged, the payloads it registers do not — gRPC's
// proto/json codecs become the RPC engine's response-body codecs, and
// gRPC's gzip compressor becomes an attachment compressor keyed off the
// StreamPayloadHeader.Codec tag instead of a content-coding HTTP header.
package encoding

import (
	"io"
	"strings"
	"sync"
)

// Identity specifies no compression. Attachments tagged with it (or with no
// tag at all) are passed through verbatim.
const Identity = "identity"

// Compressor compresses/decompresses attachment payloads (spec §4.7:
// "Decompression, if any, runs on a compression invoker"). Implementations
// must be safe for concurrent use.
type Compressor interface {
	Compress(w io.Writer) (io.WriteCloser, error)
	Decompress(r io.Reader) (io.Reader, error)
	Name() string
}

var (
	mu                 sync.RWMutex
	registeredCompress = make(map[string]Compressor)
	registeredCodecs   = make(map[string]Codec)
)

// RegisterCompressor registers c under c.Name(). Safe to call at any time
// (unlike the teacher's init()-only contract), since attachment codecs can
// be added by plugins after process start.
func RegisterCompressor(c Compressor) {
	mu.Lock()
	defer mu.Unlock()
	registeredCompress[c.Name()] = c
}

// GetCompressor looks up a previously registered Compressor, or nil.
func GetCompressor(name string) Compressor {
	mu.RLock()
	defer mu.RUnlock()
	return registeredCompress[name]
}

// Codec marshals/unmarshals RPC request and response bodies. Implementations
// must be safe for concurrent use.
type Codec interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
	Name() string
}

// RegisterCodec registers codec under the lowercased form of its Name().
func RegisterCodec(codec Codec) {
	if codec == nil {
		panic("encoding: cannot register a nil Codec")
	}
	name := strings.ToLower(codec.Name())
	if name == "" {
		panic("encoding: cannot register a Codec with an empty Name()")
	}
	mu.Lock()
	defer mu.Unlock()
	registeredCodecs[name] = codec
}

// GetCodec looks up a previously registered Codec by its (lowercased) name,
// or nil.
func GetCodec(name string) Codec {
	mu.RLock()
	defer mu.RUnlock()
	return registeredCodecs[strings.ToLower(name)]
}
