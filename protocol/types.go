package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// ValueType identifies the RESP type of a decoded value by its wire sigil.
type ValueType byte

const (
	// RESP value types
	TypeStatus  ValueType = '+'
	TypeError   ValueType = '-'
	TypeInteger ValueType = ':'
	TypeBulk    ValueType = '$'
	TypeArray   ValueType = '*'
)

// PushKind classifies pub/sub push frames received on a subscribed
// connection. The kind is derived from the first element of the RESP
// array, which is the authoritative discriminator.
type PushKind int

const (
	PushNone PushKind = iota
	PushMessage
	PushSubscribe
	PushUnsubscribe
)

// Value is a decoded RESP reply. It is a tagged union: Type selects
// which of Data, Integer and Array carries the payload. IsNull marks
// the null bulk string ($-1) and null array (*-1).
type Value struct {
	Type    ValueType
	Data    []byte
	Integer int64
	Array   []Value
	IsNull  bool
}

// String renders the value for display. Null values render as "(nil)".
func (v Value) String() string {
	switch v.Type {
	case TypeStatus, TypeError:
		return string(v.Data)
	case TypeInteger:
		return strconv.FormatInt(v.Integer, 10)
	case TypeBulk:
		if v.IsNull {
			return "(nil)"
		}
		return string(v.Data)
	case TypeArray:
		if v.IsNull {
			return "(nil)"
		}
		parts := make([]string, len(v.Array))
		for i, item := range v.Array {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprintf("unknown type %c", v.Type)
	}
}

// Bytes returns the raw payload of a status, error or bulk value.
func (v Value) Bytes() []byte {
	return v.Data
}

// Int returns the integer payload, or 0 for non-integer values.
func (v Value) Int() int64 {
	return v.Integer
}

// IsError reports whether the server replied with a RESP error.
func (v Value) IsError() bool {
	return v.Type == TypeError
}

// ErrorText returns the error message of a RESP error reply, or "".
func (v Value) ErrorText() string {
	if v.Type == TypeError {
		return string(v.Data)
	}
	return ""
}

// PushKind classifies the value as a pub/sub push frame. A push frame
// is an array whose first element is one of the bulk strings "message",
// "subscribe" or "unsubscribe"; anything else is PushNone.
func (v Value) PushKind() PushKind {
	if v.Type != TypeArray || v.IsNull || len(v.Array) < 1 {
		return PushNone
	}
	head := v.Array[0]
	if head.Type != TypeBulk || head.IsNull {
		return PushNone
	}
	switch string(head.Data) {
	case "message":
		return PushMessage
	case "subscribe":
		return PushSubscribe
	case "unsubscribe":
		return PushUnsubscribe
	default:
		return PushNone
	}
}

// Push is a decoded pub/sub push frame.
type Push struct {
	Kind    PushKind
	Channel string
	Payload []byte // message payload, nil for acks
	Count   int64  // remaining subscription count, acks only
}

// ParsePush decodes a push frame into its parts. It returns an error
// when the value is not a well-formed push frame for its kind.
func ParsePush(v Value) (Push, error) {
	kind := v.PushKind()
	if kind == PushNone {
		return Push{}, fmt.Errorf("not a push frame: %s", v.String())
	}

	if kind == PushMessage {
		if len(v.Array) != 3 {
			return Push{}, fmt.Errorf("malformed message frame: %d elements", len(v.Array))
		}
		return Push{
			Kind:    PushMessage,
			Channel: string(v.Array[1].Data),
			Payload: v.Array[2].Data,
		}, nil
	}

	// subscribe / unsubscribe acks carry the remaining count
	if len(v.Array) != 3 || v.Array[2].Type != TypeInteger {
		return Push{}, fmt.Errorf("malformed %s ack: %s", string(v.Array[0].Data), v.String())
	}
	return Push{
		Kind:    kind,
		Channel: string(v.Array[1].Data),
		Count:   v.Array[2].Integer,
	}, nil
}
