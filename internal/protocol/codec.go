package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Binary frame kinds. The kind byte is followed by protobuf wire fields.
const (
	FrameChunk byte = 0x01
	FrameFile  byte = 0x02
)

var (
	ErrEmptyFrame   = errors.New("protocol: empty frame")
	ErrUnknownFrame = errors.New("protocol: unknown frame kind")
	ErrNoEvent      = errors.New("protocol: envelope has no event")
)

type Codec struct{}

func NewCodec() *Codec {
	return &Codec{}
}

func (c *Codec) EncodeEvent(ev Event, data any) ([]byte, error) {
	env := Envelope{Event: ev}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encoding %s: %w", ev, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

func (c *Codec) DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, ErrNoEvent
	}
	return env, nil
}

// DecodeData unmarshals the envelope payload into v. A missing payload
// leaves v untouched.
func (c *Codec) DecodeData(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", env.Event, err)
	}
	return nil
}

func (c *Codec) FrameKind(b []byte) (byte, error) {
	if len(b) == 0 {
		return 0, ErrEmptyFrame
	}
	switch b[0] {
	case FrameChunk, FrameFile:
		return b[0], nil
	default:
		return 0, fmt.Errorf("%w: 0x%02x", ErrUnknownFrame, b[0])
	}
}

func (c *Codec) EncodeChunk(ch *Chunk) []byte {
	b := make([]byte, 0, len(ch.Payload)+len(ch.FileName)+len(ch.FileType)+96)
	b = append(b, FrameChunk)
	b = appendString(b, 1, ch.TransferID)
	b = appendString(b, 2, ch.TargetID)
	b = appendVarint(b, 3, uint64(ch.ChunkIndex))
	b = appendVarint(b, 4, uint64(ch.TotalChunks))
	b = appendString(b, 5, ch.FileName)
	b = appendString(b, 6, ch.FileType)
	b = protowire.AppendTag(b, 7, protowire.BytesType)
	b = protowire.AppendBytes(b, ch.Payload)
	return b
}

// DecodeChunk parses a chunk frame. The returned payload aliases b.
func (c *Codec) DecodeChunk(b []byte) (*Chunk, error) {
	if err := expectKind(b, FrameChunk); err != nil {
		return nil, err
	}
	ch := &Chunk{}
	err := consumeFields(b[1:], func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, v, &ch.TransferID)
		case 2:
			return consumeString(typ, v, &ch.TargetID)
		case 3:
			return consumeUint32(typ, v, &ch.ChunkIndex)
		case 4:
			return consumeUint32(typ, v, &ch.TotalChunks)
		case 5:
			return consumeString(typ, v, &ch.FileName)
		case 6:
			return consumeString(typ, v, &ch.FileType)
		case 7:
			return consumeBytes(typ, v, &ch.Payload)
		}
		return -1, nil
	})
	if err != nil {
		return nil, fmt.Errorf("decoding chunk: %w", err)
	}
	return ch, nil
}

func (c *Codec) EncodeFile(f *FileReceived) []byte {
	b := make([]byte, 0, len(f.Payload)+len(f.FileName)+len(f.FileType)+96)
	b = append(b, FrameFile)
	b = appendString(b, 1, f.TransferID)
	b = appendString(b, 2, f.SenderID)
	b = appendString(b, 3, f.FileName)
	b = appendString(b, 4, f.FileType)
	b = protowire.AppendTag(b, 5, protowire.BytesType)
	b = protowire.AppendBytes(b, f.Payload)
	return b
}

// DecodeFile parses a file frame. The returned payload aliases b.
func (c *Codec) DecodeFile(b []byte) (*FileReceived, error) {
	if err := expectKind(b, FrameFile); err != nil {
		return nil, err
	}
	f := &FileReceived{}
	err := consumeFields(b[1:], func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, v, &f.TransferID)
		case 2:
			return consumeString(typ, v, &f.SenderID)
		case 3:
			return consumeString(typ, v, &f.FileName)
		case 4:
			return consumeString(typ, v, &f.FileType)
		case 5:
			return consumeBytes(typ, v, &f.Payload)
		}
		return -1, nil
	})
	if err != nil {
		return nil, fmt.Errorf("decoding file: %w", err)
	}
	return f, nil
}

func expectKind(b []byte, kind byte) error {
	if len(b) == 0 {
		return ErrEmptyFrame
	}
	if b[0] != kind {
		return fmt.Errorf("%w: 0x%02x", ErrUnknownFrame, b[0])
	}
	return nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// consumeFields walks b and hands each field to fn. fn returns the number of
// bytes it consumed, or -1 to have the field skipped.
func consumeFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
		}
		b = b[m:]
	}
	return nil
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, error) {
	if typ != protowire.BytesType {
		return 0, fmt.Errorf("unexpected wire type %d", typ)
	}
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v
	return n, nil
}

func consumeBytes(typ protowire.Type, b []byte, dst *[]byte) (int, error) {
	if typ != protowire.BytesType {
		return 0, fmt.Errorf("unexpected wire type %d", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v
	return n, nil
}

func consumeUint32(typ protowire.Type, b []byte, dst *uint32) (int, error) {
	if typ != protowire.VarintType {
		return 0, fmt.Errorf("unexpected wire type %d", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	if v > uint64(^uint32(0)) {
		return 0, fmt.Errorf("value %d overflows uint32", v)
	}
	*dst = uint32(v)
	return n, nil
}
