package serde

import (
	"encoding/json"
	"fmt"

	"github.com/aretw0/waypoint/pkg/domain"
	"github.com/vmihailenco/msgpack/v5"
)

// Payload type tags.
const (
	TypeMsgpack = "msgpack"
	TypeJSON    = "json"
	TypeBytes   = "bytes"
	TypeNull    = "null"
)

// Serializer turns values into typed payloads and back.
type Serializer interface {
	DumpsTyped(v any) (domain.Payload, error)
	LoadsTyped(p domain.Payload, into any) error
}

// Default is the serializer used by the executor and adapters.
var Default Serializer = Msgpack{}

// Msgpack encodes with MessagePack. Message slices use the extension envelope.
type Msgpack struct{}

func (Msgpack) DumpsTyped(v any) (domain.Payload, error) {
	switch val := v.(type) {
	case nil:
		return domain.Payload{Type: TypeNull}, nil
	case []byte:
		return domain.Payload{Type: TypeBytes, Data: val}, nil
	case []domain.Message:
		data, err := EncodeMessages(val)
		if err != nil {
			return domain.Payload{}, err
		}
		return domain.Payload{Type: TypeMsgpack, Data: data}, nil
	}
	data, err := msgpack.Marshal(v)
	if err != nil {
		return domain.Payload{}, fmt.Errorf("msgpack encode %T: %w", v, err)
	}
	return domain.Payload{Type: TypeMsgpack, Data: data}, nil
}

func (Msgpack) LoadsTyped(p domain.Payload, into any) error {
	return Decode(p, into)
}

// JSON encodes with encoding/json. Useful for payloads inspected by humans.
type JSON struct{}

func (JSON) DumpsTyped(v any) (domain.Payload, error) {
	if v == nil {
		return domain.Payload{Type: TypeNull}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return domain.Payload{}, fmt.Errorf("json encode %T: %w", v, err)
	}
	return domain.Payload{Type: TypeJSON, Data: data}, nil
}

func (JSON) LoadsTyped(p domain.Payload, into any) error {
	return Decode(p, into)
}

// Decode reads a payload produced by any serializer in this package,
// dispatching on its type tag.
func Decode(p domain.Payload, into any) error {
	switch p.Type {
	case TypeNull, "":
		return nil
	case TypeBytes:
		b, ok := into.(*[]byte)
		if !ok {
			return fmt.Errorf("bytes payload into %T", into)
		}
		*b = append([]byte(nil), p.Data...)
		return nil
	case TypeJSON:
		return json.Unmarshal(p.Data, into)
	case TypeMsgpack:
		if msgs, ok := into.(*[]domain.Message); ok {
			decoded, err := DecodeMessages(p.Data)
			if err != nil {
				return err
			}
			*msgs = decoded
			return nil
		}
		if err := msgpack.Unmarshal(p.Data, into); err != nil {
			return fmt.Errorf("msgpack decode into %T: %w", into, err)
		}
		return nil
	default:
		return fmt.Errorf("unknown payload type %q", p.Type)
	}
}
