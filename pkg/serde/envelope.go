package serde

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/aretw0/waypoint/pkg/domain"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// ExtMessage is the msgpack extension type of one message record.
//
// Envelope schema:
//
//	array of ext(ExtMessage, msgpack([role, {content, name, tool_calls, id}]))
//
// Plain maps {role, content, ...} are accepted as items on decode.
const ExtMessage int8 = 5

// ErrMalformedEnvelope is returned for data that is not a message envelope.
var ErrMalformedEnvelope = errors.New("malformed message envelope")

type messageFields struct {
	Content   string            `msgpack:"content"`
	Name      string            `msgpack:"name,omitempty"`
	ToolCalls []domain.ToolCall `msgpack:"tool_calls,omitempty"`
	ID        string            `msgpack:"id,omitempty"`
}

// EncodeMessages writes msgs as a message envelope.
func EncodeMessages(msgs []domain.Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeArrayLen(len(msgs)); err != nil {
		return nil, err
	}
	for _, m := range msgs {
		body, err := msgpack.Marshal([]any{m.Role, messageFields{
			Content:   m.Content,
			Name:      m.Name,
			ToolCalls: m.ToolCalls,
			ID:        m.ID,
		}})
		if err != nil {
			return nil, fmt.Errorf("encode message %q: %w", m.ID, err)
		}
		if err := enc.EncodeExtHeader(ExtMessage, len(body)); err != nil {
			return nil, err
		}
		if _, err := buf.Write(body); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DecodeMessages reads a message envelope. Items that cannot be decoded are
// skipped; an error is returned only when data is not an array at all.
func DecodeMessages(data []byte) ([]domain.Message, error) {
	var items []msgpack.RawMessage
	if err := msgpack.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	out := make([]domain.Message, 0, len(items))
	for _, raw := range items {
		m, err := decodeItem(raw)
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func decodeItem(raw []byte) (domain.Message, error) {
	if len(raw) == 0 {
		return domain.Message{}, ErrMalformedEnvelope
	}
	c := raw[0]
	switch {
	case msgpcode.IsFixedExt(c) || c == msgpcode.Ext8 || c == msgpcode.Ext16 || c == msgpcode.Ext32:
		return decodeExt(raw)
	case msgpcode.IsFixedMap(c) || c == msgpcode.Map16 || c == msgpcode.Map32:
		return decodeMap(raw)
	}
	return domain.Message{}, ErrMalformedEnvelope
}

func decodeExt(raw []byte) (domain.Message, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(raw))
	id, n, err := dec.DecodeExtHeader()
	if err != nil {
		return domain.Message{}, err
	}
	if id != ExtMessage || n > len(raw) {
		return domain.Message{}, ErrMalformedEnvelope
	}
	var parts []msgpack.RawMessage
	if err := msgpack.Unmarshal(raw[len(raw)-n:], &parts); err != nil {
		return domain.Message{}, err
	}
	if len(parts) < 2 {
		return domain.Message{}, ErrMalformedEnvelope
	}
	var m domain.Message
	if err := msgpack.Unmarshal(parts[0], &m.Role); err != nil {
		return domain.Message{}, err
	}
	var f messageFields
	if err := msgpack.Unmarshal(parts[1], &f); err != nil {
		return domain.Message{}, err
	}
	m.Content, m.Name, m.ToolCalls, m.ID = f.Content, f.Name, f.ToolCalls, f.ID
	return m, nil
}

func decodeMap(raw []byte) (domain.Message, error) {
	var m domain.Message
	if err := msgpack.Unmarshal(raw, &m); err != nil {
		return domain.Message{}, err
	}
	if m.Content == "" {
		return domain.Message{}, ErrMalformedEnvelope
	}
	if m.Role == "" {
		m.Role = domain.RoleHuman
	}
	return m, nil
}
