package stream

import (
	"encoding/binary"
	"fmt"

	"github.com/go-unstuck/unstuck/deferred"
	"github.com/go-unstuck/unstuck/internal/errs"
)

// Shared length-prefixed framing for both wrapper directions:
// read_packet_k and a big-endian length prefix in {1,2,4} bytes.
// Supplements back the original streams.py write-side packet helper
// so both read and write get a symmetric, idiomatic counterpart.

func validPrefixWidth(k int) bool { return k == 1 || k == 2 || k == 4 }

func encodeLengthPrefix(k int, length int) ([]byte, error) {
	switch k {
	case 1:
		if length > 0xFF {
			return nil, &errs.UsageError{Msg: fmt.Sprintf("write_packet: length %d does not fit in 1 byte", length)}
		}
		return []byte{byte(length)}, nil
	case 2:
		if length > 0xFFFF {
			return nil, &errs.UsageError{Msg: fmt.Sprintf("write_packet: length %d does not fit in 2 bytes", length)}
		}
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(length))
		return b, nil
	case 4:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(length))
		return b, nil
	default:
		return nil, &errs.UsageError{Msg: fmt.Sprintf("write_packet: unsupported prefix width %d", k)}
	}
}

func decodeLengthPrefix(k int, hdr []byte) int {
	switch k {
	case 1:
		return int(hdr[0])
	case 2:
		return int(binary.BigEndian.Uint16(hdr))
	case 4:
		return int(binary.BigEndian.Uint32(hdr))
	default:
		return 0
	}
}

// readPacket reads a k-byte big-endian length prefix, then that many
// bytes. It chains the two reads via direct callback attachment rather
// than deferred.Start/Await, so the payload Read is issued from the
// header cell's callback on the loop goroutine (or synchronously, when
// the header is already buffered) instead of from a new goroutine that
// runs at some later point.
func readPacket(w *ReadWrapper, k int) *deferred.Cell {
	out := deferred.NewCell(w.d, "stream.read_packet")
	if !validPrefixWidth(k) {
		_ = out.SetError(&errs.UsageError{Msg: fmt.Sprintf("read_packet: unsupported prefix width %d", k)})
		return out
	}
	chainPacketHeader(w, k, out, w.Read(k))
	return out
}

func chainPacketHeader(w *ReadWrapper, k int, out *deferred.Cell, hdr *deferred.Cell) {
	deliver := func(v any, err error) {
		if err != nil {
			_ = out.SetError(err)
			return
		}
		length := decodeLengthPrefix(k, v.([]byte))
		chainPacketPayload(out, w.Read(length))
	}
	if hdr.Done() {
		v, err := hdr.GetResult()
		deliver(v, err)
		return
	}
	_ = hdr.AttachCallback(deferred.CallbackFuncs{
		ResumeFunc: func(v any) { deliver(v, nil) },
		AbortFunc:  func(err error) { deliver(nil, err) },
	})
}

func chainPacketPayload(out *deferred.Cell, payload *deferred.Cell) {
	deliver := func(v any, err error) {
		if err != nil {
			_ = out.SetError(err)
			return
		}
		_ = out.SetResult(v)
	}
	if payload.Done() {
		v, err := payload.GetResult()
		deliver(v, err)
		return
	}
	_ = payload.AttachCallback(deferred.CallbackFuncs{
		ResumeFunc: func(v any) { deliver(v, nil) },
		AbortFunc:  func(err error) { deliver(nil, err) },
	})
}

// writePacket prepends a k-byte big-endian length prefix to buf before
// enqueuing it.
func writePacket(w *WriteWrapper, k int, buf []byte) *deferred.Cell {
	header, err := encodeLengthPrefix(k, len(buf))
	if err != nil {
		cell := deferred.NewCell(w.d, "stream.write_packet")
		_ = cell.SetError(err)
		return cell
	}
	framed := make([]byte, 0, len(header)+len(buf))
	framed = append(framed, header...)
	framed = append(framed, buf...)
	return w.Write(framed)
}
