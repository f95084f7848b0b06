package distributed

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Frames on the wire are a uvarint byte length followed by a message with
// the fields below.
const (
	fieldRank   protowire.Number = 1
	fieldSeq    protowire.Number = 2
	fieldValues protowire.Number = 3

	maxFrame = 1 << 30
)

type message struct {
	rank   int
	seq    uint64
	values []float64
}

func (m message) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldRank, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.rank))
	b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, m.seq)
	if len(m.values) > 0 {
		packed := make([]byte, 0, 8*len(m.values))
		for _, v := range m.values {
			packed = protowire.AppendFixed64(packed, math.Float64bits(v))
		}
		b = protowire.AppendTag(b, fieldValues, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	return b
}

func unmarshalMessage(b []byte) (message, error) {
	var m message
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldRank && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			m.rank = int(v)
			b = b[n:]
		case num == fieldSeq && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			m.seq = v
			b = b[n:]
		case num == fieldValues && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			if len(packed)%8 != 0 {
				return m, errors.New("packed values not a multiple of 8 bytes")
			}
			for len(packed) > 0 {
				bits, k := protowire.ConsumeFixed64(packed)
				if k < 0 {
					return m, protowire.ParseError(k)
				}
				m.values = append(m.values, math.Float64frombits(bits))
				packed = packed[k:]
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return m, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return m, nil
}

func writeMessage(w io.Writer, m message) error {
	payload := m.marshal()
	frame := protowire.AppendVarint(make([]byte, 0, len(payload)+binary.MaxVarintLen64), uint64(len(payload)))
	frame = append(frame, payload...)
	_, err := w.Write(frame)
	return err
}

func readMessage(r *bufio.Reader) (message, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return message{}, err
	}
	if size > maxFrame {
		return message{}, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return message{}, err
	}
	return unmarshalMessage(buf)
}
