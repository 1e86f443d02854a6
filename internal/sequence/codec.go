package sequence

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dgnsrekt/datacollector/internal/buffer"
)

// Sequence file layout:
//
//	magic "PLSQ" | version (1 byte) | flags (1 byte, bit0 = zstd) | body
//
// The body, zstd-compressed when flagged, is a run of records. Each record
// is a uvarint length followed by a protobuf-wire message. The first record
// is the Header, every following record is one Frame.
const (
	Magic   = "PLSQ"
	Version = 1

	flagCompressed = 0x01
	preambleSize   = len(Magic) + 2

	// MaxPayloadSize bounds a single frame payload.
	MaxPayloadSize = 256 << 20
)

// header field numbers
const (
	hdrRecordingID protowire.Number = 1
	hdrDeviceID    protowire.Number = 2
	hdrStream      protowire.Number = 3
	hdrFrameCount  protowire.Number = 4
	hdrCreated     protowire.Number = 5
	hdrCapacity    protowire.Number = 6
)

// frame field numbers
const (
	frmNumber    protowire.Number = 1
	frmTimestamp protowire.Number = 2
	frmStatus    protowire.Number = 3
	frmPayload   protowire.Number = 4
	frmField     protowire.Number = 5

	fieldKey   protowire.Number = 1
	fieldValue protowire.Number = 2
)

// Header describes the recording stored in a sequence file.
type Header struct {
	RecordingID string
	DeviceID    string
	Stream      string
	FrameCount  uint64
	CreatedUnix int64 // nanoseconds
	Capacity    uint64
}

func writePreamble(w io.Writer, compressed bool) error {
	flags := byte(0)
	if compressed {
		flags |= flagCompressed
	}
	buf := append([]byte(Magic), Version, flags)
	_, err := w.Write(buf)
	return err
}

func readPreamble(r io.Reader) (compressed bool, err error) {
	buf := make([]byte, preambleSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return false, fmt.Errorf("reading preamble: %w", err)
	}
	if string(buf[:len(Magic)]) != Magic {
		return false, errors.New("not a sequence file")
	}
	if v := buf[len(Magic)]; v != Version {
		return false, fmt.Errorf("unsupported sequence version %d", v)
	}
	return buf[len(Magic)+1]&flagCompressed != 0, nil
}

func appendHeader(b []byte, h *Header) []byte {
	b = protowire.AppendTag(b, hdrRecordingID, protowire.BytesType)
	b = protowire.AppendString(b, h.RecordingID)
	b = protowire.AppendTag(b, hdrDeviceID, protowire.BytesType)
	b = protowire.AppendString(b, h.DeviceID)
	b = protowire.AppendTag(b, hdrStream, protowire.BytesType)
	b = protowire.AppendString(b, h.Stream)
	b = protowire.AppendTag(b, hdrFrameCount, protowire.VarintType)
	b = protowire.AppendVarint(b, h.FrameCount)
	b = protowire.AppendTag(b, hdrCreated, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(h.CreatedUnix))
	b = protowire.AppendTag(b, hdrCapacity, protowire.VarintType)
	b = protowire.AppendVarint(b, h.Capacity)
	return b
}

// validateFrame reports frames that cannot be represented in a sequence file.
func validateFrame(f *buffer.Frame) error {
	if math.IsNaN(f.Timestamp) || math.IsInf(f.Timestamp, 0) {
		return fmt.Errorf("frame %d: timestamp %v is not finite", f.FrameNumber, f.Timestamp)
	}
	if !f.Status.Known() {
		return fmt.Errorf("frame %d: unknown status %d", f.FrameNumber, f.Status)
	}
	if len(f.Payload) > MaxPayloadSize {
		return fmt.Errorf("frame %d: payload of %d bytes exceeds %d", f.FrameNumber, len(f.Payload), MaxPayloadSize)
	}
	for k := range f.Fields {
		if k == "" {
			return fmt.Errorf("frame %d: empty field name", f.FrameNumber)
		}
	}
	return nil
}

func appendFrame(b []byte, f *buffer.Frame) []byte {
	b = protowire.AppendTag(b, frmNumber, protowire.VarintType)
	b = protowire.AppendVarint(b, f.FrameNumber)
	b = protowire.AppendTag(b, frmTimestamp, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(f.Timestamp))
	b = protowire.AppendTag(b, frmStatus, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Status))
	if len(f.Payload) > 0 {
		b = protowire.AppendTag(b, frmPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Payload)
	}

	// sorted so identical frames encode identically
	keys := make([]string, 0, len(f.Fields))
	for k := range f.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = protowire.AppendTag(entry, fieldKey, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = protowire.AppendTag(entry, fieldValue, protowire.BytesType)
		entry = protowire.AppendString(entry, f.Fields[k])
		b = protowire.AppendTag(b, frmField, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

// writeRecord writes one length-prefixed record.
func writeRecord(w io.Writer, msg []byte) error {
	prefix := protowire.AppendVarint(nil, uint64(len(msg)))
	if _, err := w.Write(prefix); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}

// readRecord reads one length-prefixed record. It returns io.EOF at a clean
// record boundary.
func readRecord(r *bufio.Reader) ([]byte, error) {
	var prefix []byte
	for {
		c, err := r.ReadByte()
		if err != nil {
			if err == io.EOF && len(prefix) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		prefix = append(prefix, c)
		if c < 0x80 {
			break
		}
		if len(prefix) > binaryMaxVarintLen {
			return nil, errors.New("record length overflows")
		}
	}
	n, consumed := protowire.ConsumeVarint(prefix)
	if consumed < 0 {
		return nil, protowire.ParseError(consumed)
	}
	if n > MaxPayloadSize*2 {
		return nil, fmt.Errorf("record of %d bytes too large", n)
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(r, msg); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return msg, nil
}

const binaryMaxVarintLen = 10

func parseHeader(msg []byte) (*Header, error) {
	h := &Header{}
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		msg = msg[n:]

		switch {
		case num == hdrRecordingID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(msg)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			h.RecordingID, msg = v, msg[n:]
		case num == hdrDeviceID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(msg)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			h.DeviceID, msg = v, msg[n:]
		case num == hdrStream && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(msg)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			h.Stream, msg = v, msg[n:]
		case num == hdrFrameCount && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(msg)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			h.FrameCount, msg = v, msg[n:]
		case num == hdrCreated && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(msg)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			h.CreatedUnix, msg = protowire.DecodeZigZag(v), msg[n:]
		case num == hdrCapacity && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(msg)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			h.Capacity, msg = v, msg[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, msg)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			msg = msg[n:]
		}
	}
	return h, nil
}

func parseFrame(msg []byte) (buffer.Frame, error) {
	var f buffer.Frame
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return f, protowire.ParseError(n)
		}
		msg = msg[n:]

		switch {
		case num == frmNumber && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(msg)
			if n < 0 {
				return f, protowire.ParseError(n)
			}
			f.FrameNumber, msg = v, msg[n:]
		case num == frmTimestamp && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(msg)
			if n < 0 {
				return f, protowire.ParseError(n)
			}
			f.Timestamp, msg = math.Float64frombits(v), msg[n:]
		case num == frmStatus && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(msg)
			if n < 0 {
				return f, protowire.ParseError(n)
			}
			f.Status, msg = buffer.Status(v), msg[n:]
		case num == frmPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(msg)
			if n < 0 {
				return f, protowire.ParseError(n)
			}
			f.Payload = append([]byte(nil), v...)
			msg = msg[n:]
		case num == frmField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(msg)
			if n < 0 {
				return f, protowire.ParseError(n)
			}
			k, val, err := parseField(v)
			if err != nil {
				return f, err
			}
			if f.Fields == nil {
				f.Fields = make(map[string]string)
			}
			f.Fields[k] = val
			msg = msg[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, msg)
			if n < 0 {
				return f, protowire.ParseError(n)
			}
			msg = msg[n:]
		}
	}
	return f, nil
}

func parseField(msg []byte) (key, value string, err error) {
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return "", "", protowire.ParseError(n)
		}
		msg = msg[n:]
		if typ != protowire.BytesType || (num != fieldKey && num != fieldValue) {
			n := protowire.ConsumeFieldValue(num, typ, msg)
			if n < 0 {
				return "", "", protowire.ParseError(n)
			}
			msg = msg[n:]
			continue
		}
		v, n := protowire.ConsumeString(msg)
		if n < 0 {
			return "", "", protowire.ParseError(n)
		}
		if num == fieldKey {
			key = v
		} else {
			value = v
		}
		msg = msg[n:]
	}
	return key, value, nil
}
