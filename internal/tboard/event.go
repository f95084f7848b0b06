package tboard

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of tensorflow.Event, tensorflow.Summary and Summary.Value.
const (
	eventWallTime    protowire.Number = 1
	eventStep        protowire.Number = 2
	eventFileVersion protowire.Number = 3
	eventSummary     protowire.Number = 5

	summaryValue protowire.Number = 1

	valueTag         protowire.Number = 1
	valueSimpleValue protowire.Number = 2
)

const fileVersion = "brain.Event:2"

// Scalar is one scalar summary point.
type Scalar struct {
	WallTime float64
	Step     int64
	Tag      string
	Value    float32
}

func appendHeader(b []byte, wallTime float64, step int64) []byte {
	b = protowire.AppendTag(b, eventWallTime, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(wallTime))
	if step != 0 {
		b = protowire.AppendTag(b, eventStep, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(step))
	}
	return b
}

func versionEvent(wallTime float64) []byte {
	b := appendHeader(nil, wallTime, 0)
	b = protowire.AppendTag(b, eventFileVersion, protowire.BytesType)
	return protowire.AppendString(b, fileVersion)
}

func scalarEvent(s Scalar) []byte {
	var value []byte
	value = protowire.AppendTag(value, valueTag, protowire.BytesType)
	value = protowire.AppendString(value, s.Tag)
	value = protowire.AppendTag(value, valueSimpleValue, protowire.Fixed32Type)
	value = protowire.AppendFixed32(value, math.Float32bits(s.Value))

	var summary []byte
	summary = protowire.AppendTag(summary, summaryValue, protowire.BytesType)
	summary = protowire.AppendBytes(summary, value)

	b := appendHeader(nil, s.WallTime, s.Step)
	b = protowire.AppendTag(b, eventSummary, protowire.BytesType)
	return protowire.AppendBytes(b, summary)
}

// parseEvent extracts the scalars of one event. Events without a summary
// yield nothing.
func parseEvent(b []byte) ([]Scalar, error) {
	var (
		wall    float64
		step    int64
		scalars []Scalar
	)
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, raw []byte) error {
		switch {
		case num == eventWallTime && typ == protowire.Fixed64Type:
			v, _ := protowire.ConsumeFixed64(raw)
			wall = math.Float64frombits(v)
		case num == eventStep && typ == protowire.VarintType:
			v, _ := protowire.ConsumeVarint(raw)
			step = int64(v)
		case num == eventSummary && typ == protowire.BytesType:
			summary, _ := protowire.ConsumeBytes(raw)
			return walkFields(summary, func(num protowire.Number, typ protowire.Type, raw []byte) error {
				if num != summaryValue || typ != protowire.BytesType {
					return nil
				}
				value, _ := protowire.ConsumeBytes(raw)
				var s Scalar
				err := walkFields(value, func(num protowire.Number, typ protowire.Type, raw []byte) error {
					switch {
					case num == valueTag && typ == protowire.BytesType:
						tag, _ := protowire.ConsumeString(raw)
						s.Tag = tag
					case num == valueSimpleValue && typ == protowire.Fixed32Type:
						v, _ := protowire.ConsumeFixed32(raw)
						s.Value = math.Float32frombits(v)
					}
					return nil
				})
				scalars = append(scalars, s)
				return err
			})
		}
		return nil
	})
	for i := range scalars {
		scalars[i].WallTime = wall
		scalars[i].Step = step
	}
	return scalars, err
}

// walkFields calls fn with each field's number, type and encoded value.
func walkFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return protowire.ParseError(m)
		}
		if err := fn(num, typ, b[:m]); err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}
