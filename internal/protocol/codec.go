package protocol

import (
	"errors"
	"fmt"
	"io"
	"math"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire layout, protobuf-compatible and hand-encoded:
//
//	envelope := exactly one length-delimited field, field number = Kind
//	Player        { 1: id string, 2: name string, 3: x fixed32, 4: y fixed32 }
//	PlayerJoined  { 1: player Player }
//	PlayerLeft    { 1: player_id string }
//	PlayerMoved   { 1: player_id string, 2: x fixed32, 3: y fixed32 }
//	ChatMessage   { 1: player_id string, 2: text string }
//	WorldSnapshot { 1: repeated Player }
//
// Floats travel as raw float32 bits so NaN payloads, infinities and
// negative zero survive a round trip unchanged.

// Encode serializes an event.
//
// Precondition: e must be one of the concrete event types declared in this package.
// Postcondition: Returns the encoded bytes, or an *EncodeError when e holds an
// unrepresentable value (nil event, invalid UTF-8 text).
func Encode(e Event) ([]byte, error) {
	if e == nil {
		return nil, &EncodeError{Err: ErrNilEvent}
	}

	var (
		body []byte
		err  error
	)
	switch ev := e.(type) {
	case PlayerJoined:
		var pb []byte
		if pb, err = appendPlayer(nil, ev.Player); err == nil {
			body = protowire.AppendTag(nil, 1, protowire.BytesType)
			body = protowire.AppendBytes(body, pb)
		}
	case PlayerLeft:
		body, err = appendString(nil, 1, ev.PlayerID)
	case PlayerMoved:
		body, err = appendString(nil, 1, ev.PlayerID)
		body = appendFloat(body, 2, ev.X)
		body = appendFloat(body, 3, ev.Y)
	case ChatMessage:
		body, err = appendString(nil, 1, ev.PlayerID)
		if err == nil {
			body, err = appendString(body, 2, ev.Text)
		}
	case WorldSnapshot:
		for _, p := range ev.Players {
			var pb []byte
			if pb, err = appendPlayer(nil, p); err != nil {
				break
			}
			body = protowire.AppendTag(body, 1, protowire.BytesType)
			body = protowire.AppendBytes(body, pb)
		}
	default:
		return nil, &EncodeError{Kind: e.Kind(), Err: fmt.Errorf("%w: unsupported type %T", ErrUnknownTag, e)}
	}
	if err != nil {
		return nil, &EncodeError{Kind: e.Kind(), Err: err}
	}

	out := make([]byte, 0, len(body)+protowire.SizeTag(1)+protowire.SizeVarint(uint64(len(body))))
	out = protowire.AppendTag(out, protowire.Number(e.Kind()), protowire.BytesType)
	out = protowire.AppendBytes(out, body)
	return out, nil
}

// Decode parses bytes produced by Encode. Unknown fields inside an event body
// are skipped; everything else that does not match the layout is rejected.
//
// Postcondition: Returns a concrete Event value, or a *DecodeError. Decode
// never panics on arbitrary input.
func Decode(data []byte) (Event, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Err: ErrEmptyMessage}
	}

	num, typ, n := protowire.ConsumeTag(data)
	if n < 0 {
		return nil, parseErr(n, "envelope tag")
	}
	if typ != protowire.BytesType {
		return nil, decodeErr(ErrWireType, "envelope field %d has wire type %d", num, typ)
	}
	body, m := protowire.ConsumeBytes(data[n:])
	if m < 0 {
		return nil, parseErr(m, "envelope body")
	}
	if rest := len(data) - n - m; rest > 0 {
		return nil, decodeErr(ErrMalformed, "%d trailing bytes after envelope", rest)
	}

	switch Kind(num) {
	case KindPlayerJoined:
		return decodeJoined(body)
	case KindPlayerLeft:
		return decodeLeft(body)
	case KindPlayerMoved:
		return decodeMoved(body)
	case KindChatMessage:
		return decodeChat(body)
	case KindWorldSnapshot:
		return decodeSnapshot(body)
	default:
		return nil, decodeErr(ErrUnknownTag, "tag %d", num)
	}
}

func decodeJoined(b []byte) (Event, error) {
	var ev PlayerJoined
	err := eachField(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		raw, err := f.bytes()
		if err != nil {
			return err
		}
		ev.Player, err = decodePlayer(raw)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeLeft(b []byte) (Event, error) {
	var ev PlayerLeft
	err := eachField(b, func(f field) (err error) {
		if f.num == 1 {
			ev.PlayerID, err = f.string()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeMoved(b []byte) (Event, error) {
	var ev PlayerMoved
	err := eachField(b, func(f field) (err error) {
		switch f.num {
		case 1:
			ev.PlayerID, err = f.string()
		case 2:
			ev.X, err = f.float()
		case 3:
			ev.Y, err = f.float()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeChat(b []byte) (Event, error) {
	var ev ChatMessage
	err := eachField(b, func(f field) (err error) {
		switch f.num {
		case 1:
			ev.PlayerID, err = f.string()
		case 2:
			ev.Text, err = f.string()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeSnapshot(b []byte) (Event, error) {
	ev := WorldSnapshot{Players: []Player{}}
	err := eachField(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		raw, err := f.bytes()
		if err != nil {
			return err
		}
		p, err := decodePlayer(raw)
		if err != nil {
			return err
		}
		ev.Players = append(ev.Players, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func decodePlayer(b []byte) (Player, error) {
	var p Player
	err := eachField(b, func(f field) (err error) {
		switch f.num {
		case 1:
			p.ID, err = f.string()
		case 2:
			p.Name, err = f.string()
		case 3:
			p.X, err = f.float()
		case 4:
			p.Y, err = f.float()
		}
		return err
	})
	return p, err
}

func appendPlayer(b []byte, p Player) ([]byte, error) {
	b, err := appendString(b, 1, p.ID)
	if err != nil {
		return nil, err
	}
	if b, err = appendString(b, 2, p.Name); err != nil {
		return nil, err
	}
	b = appendFloat(b, 3, p.X)
	b = appendFloat(b, 4, p.Y)
	return b, nil
}

func appendString(b []byte, num protowire.Number, s string) ([]byte, error) {
	if !utf8.ValidString(s) {
		return b, fmt.Errorf("field %d: %w", num, ErrInvalidUTF8)
	}
	if s == "" {
		return b, nil
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s), nil
}

// appendFloat omits only positive zero, which is what an absent field decodes to.
func appendFloat(b []byte, num protowire.Number, f float32) []byte {
	bits := math.Float32bits(f)
	if bits == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, bits)
}

// field is one decoded tag/value pair of an event body.
type field struct {
	num   protowire.Number
	typ   protowire.Type
	raw   []byte
	fixed uint32
}

func (f field) bytes() ([]byte, error) {
	if f.typ != protowire.BytesType {
		return nil, decodeErr(ErrWireType, "field %d has wire type %d, want bytes", f.num, f.typ)
	}
	return f.raw, nil
}

func (f field) string() (string, error) {
	raw, err := f.bytes()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(raw) {
		return "", decodeErr(ErrInvalidUTF8, "field %d", f.num)
	}
	return string(raw), nil
}

func (f field) float() (float32, error) {
	if f.typ != protowire.Fixed32Type {
		return 0, decodeErr(ErrWireType, "field %d has wire type %d, want fixed32", f.num, f.typ)
	}
	return math.Float32frombits(f.fixed), nil
}

// eachField walks the fields of a message body, calling fn for each one.
// Values of wire types the layout never uses are consumed and skipped.
func eachField(b []byte, fn func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return parseErr(n, "field tag")
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.BytesType:
			f.raw, n = protowire.ConsumeBytes(b)
		case protowire.Fixed32Type:
			f.fixed, n = protowire.ConsumeFixed32(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return parseErr(n, fmt.Sprintf("field %d value", num))
		}
		b = b[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func parseErr(n int, where string) *DecodeError {
	err := protowire.ParseError(n)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return decodeErr(ErrTruncated, "%s", where)
	}
	return decodeErr(ErrMalformed, "%s: %v", where, err)
}
