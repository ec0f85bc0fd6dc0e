package encoding

import "github.com/vmihailenco/msgpack/v5"

// msgpackCodec is the default body Codec, registered under "msgpack" at
// package init so every service has a usable ResponseCodec without extra
// wiring.
type msgpackCodec struct{}

func (msgpackCodec) Marshal(v interface{}) ([]byte, error)      { return msgpack.Marshal(v) }
func (msgpackCodec) Unmarshal(data []byte, v interface{}) error { return msgpack.Unmarshal(data, v) }
func (msgpackCodec) Name() string                               { return "msgpack" }

func init() {
	RegisterCodec(msgpackCodec{})
}
