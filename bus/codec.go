package bus

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/envelope"
)

// Codec serializes envelopes for brokers that carry bytes.
type Codec interface {
	Encode(env *envelope.Envelope) ([]byte, error)
	Decode(data []byte) (*envelope.Envelope, error)
	Name() string
}

// Codec names.
const (
	CodecJSON    = "json"
	CodecMsgpack = "msgpack"
)

// GetCodec returns a codec by name. Unknown names fall back to JSON.
func GetCodec(name string) Codec {
	if name == CodecMsgpack {
		return MsgpackCodec{}
	}
	return JSONCodec{}
}

// JSONCodec is the wire format other services speak. Decoding validates
// against the envelope schema.
type JSONCodec struct{}

func (JSONCodec) Encode(env *envelope.Envelope) ([]byte, error) { return env.Marshal() }

func (JSONCodec) Decode(data []byte) (*envelope.Envelope, error) { return envelope.Decode(data) }

func (JSONCodec) Name() string { return CodecJSON }

// MsgpackCodec is a compact format for callflow-only topics.
type MsgpackCodec struct{}

func (MsgpackCodec) Encode(env *envelope.Envelope) ([]byte, error) {
	return msgpack.Marshal(env)
}

func (MsgpackCodec) Decode(data []byte) (*envelope.Envelope, error) {
	var env envelope.Envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, callflow.Validation("bus.decode",
			fmt.Errorf("%w: msgpack: %v", callflow.ErrInvalidEnvelope, err))
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

func (MsgpackCodec) Name() string { return CodecMsgpack }
