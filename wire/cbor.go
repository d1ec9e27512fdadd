package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Canonical CBOR so the same value always produces the same bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Marshal serializes any envelope or wire value to canonical CBOR bytes.
func Marshal(v any) ([]byte, error) {
	return cborEncMode.Marshal(v)
}

// Unmarshal deserializes canonical CBOR bytes produced by Marshal.
func Unmarshal(data []byte, out any) error {
	if err := cbor.Unmarshal(data, out); err != nil {
		return fmt.Errorf("wire: unmarshal: %w", err)
	}
	return nil
}
