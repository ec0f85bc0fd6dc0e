package tcp

import (
	"encoding/binary"
	"io"

	"github.com/dzen-platform/corerpc/message"
	"github.com/dzen-platform/corerpc/rpcerror"
)

// Wire framing: one ack-request flag byte, a uint32 part count, then for
// each part a uint32 length-prefix followed by its bytes. This is the
// literal implementation of spec §3's "ordered sequences of byte buffers"
// and §6's "every envelope is a sequence of parts over the bus" — grounded
// on the general length-prefixed-parts idiom visible in
// rockstar-0000-aistore's transport package (a magic/length prelude per
// frame), simplified here since the kind tag already lives inside part 0
// itself (message.GetMessageKind). The leading flag byte is this module's
// own addition carrying bus.SendOptions.RequestAck (spec §4.2) across the
// wire, since that is a per-frame transport concern, not part of the RPC
// envelope itself.
func writeMessage(w io.Writer, m message.Message, requestAck bool) error {
	if err := message.CheckLimits(m); err != nil {
		return err
	}
	var flag [1]byte
	if requestAck {
		flag[0] = 1
	}
	if _, err := w.Write(flag[:]); err != nil {
		return rpcerror.New(rpcerror.Transport, "tcp bus: write ack flag: %v", err)
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(m.Parts)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return rpcerror.New(rpcerror.Transport, "tcp bus: write part count: %v", err)
	}
	for _, p := range m.Parts {
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(p)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return rpcerror.New(rpcerror.Transport, "tcp bus: write part length: %v", err)
		}
		if len(p) == 0 {
			continue
		}
		if _, err := w.Write(p); err != nil {
			return rpcerror.New(rpcerror.Transport, "tcp bus: write part: %v", err)
		}
	}
	return nil
}

func readMessage(r io.Reader) (message.Message, bool, error) {
	var flag [1]byte
	if _, err := io.ReadFull(r, flag[:]); err != nil {
		return message.Message{}, false, err // EOF/connection errors propagate as-is
	}
	requestAck := flag[0] != 0

	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return message.Message{}, false, rpcerror.New(rpcerror.Transport, "tcp bus: read part count: %v", err)
	}
	count := binary.LittleEndian.Uint32(lenBuf[:])
	if count > message.MaxParts {
		return message.Message{}, false, rpcerror.New(rpcerror.Transport, "tcp bus: part count %d exceeds limit", count)
	}
	parts := make([]message.Part, count)
	for i := range parts {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return message.Message{}, false, rpcerror.New(rpcerror.Transport, "tcp bus: read part length: %v", err)
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		if n > message.MaxPartSize {
			return message.Message{}, false, rpcerror.New(rpcerror.Transport, "tcp bus: part length %d exceeds limit", n)
		}
		if n == 0 {
			continue
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return message.Message{}, false, rpcerror.New(rpcerror.Transport, "tcp bus: read part: %v", err)
		}
		parts[i] = buf
	}
	return message.Message{Parts: parts}, requestAck, nil
}
