// Package codec provides the wire encodings used for envelopes and sync messages.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec marshals values for the broadcast wire.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

const (
	NameJSON    = "json"
	NameMsgpack = "msgpack"
)

// ByName returns the codec registered under name.
func ByName(name string) (Codec, error) {
	switch name {
	case NameJSON:
		return JSON{}, nil
	case NameMsgpack, "":
		return Msgpack{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// JSON encodes with encoding/json. Numbers inside untyped fields decode as
// json.Number so integer column values survive the round trip. Blobs do
// not: a []byte inside an untyped field comes back as its base64 string.
// Use Msgpack when tracked tables hold BLOB columns.
type JSON struct{}

func (JSON) Name() string { return NameJSON }

func (JSON) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSON) Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// Msgpack encodes with vmihailenco/msgpack. It keeps blobs and integers typed.
type Msgpack struct{}

func (Msgpack) Name() string { return NameMsgpack }

func (Msgpack) Marshal(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (Msgpack) Unmarshal(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}
