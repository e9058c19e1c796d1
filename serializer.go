package chrono

import (
	"encoding/json"

	"github.com/fxamacker/cbor/v2"
)

// Serializer converts job arguments, return values and trigger state to and
// from the opaque byte sequences stored at the DataStore boundary. An
// implementation must round-trip exactly: decoding an encoded value and
// re-encoding it yields equal bytes.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONSerializer is the default codec.
type JSONSerializer struct{}

func (JSONSerializer) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, &SerializationError{Err: err}
	}
	return data, nil
}

func (JSONSerializer) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &SerializationError{Err: err}
	}
	return nil
}

// CBORSerializer encodes payloads as canonical CBOR. It is denser than JSON
// and preserves binary payloads without base64 detours.
type CBORSerializer struct{}

// cborEncMode uses canonical encoding so map keys are sorted and encoding a
// decoded value reproduces the original bytes.
var cborEncMode, _ = cbor.CanonicalEncOptions().EncMode()

func (CBORSerializer) Marshal(v any) ([]byte, error) {
	data, err := cborEncMode.Marshal(v)
	if err != nil {
		return nil, &SerializationError{Err: err}
	}
	return data, nil
}

func (CBORSerializer) Unmarshal(data []byte, v any) error {
	if err := cbor.Unmarshal(data, v); err != nil {
		return &SerializationError{Err: err}
	}
	return nil
}
