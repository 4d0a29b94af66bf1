package queue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

const bigIntTag = "BigInt"

// BigInt is an arbitrary-precision integer carried in job payloads as
// {"type":"BigInt","hex":"0x.."} so it survives serialization without
// precision loss.
type BigInt struct {
	*big.Int
}

type bigIntWire struct {
	Type string `json:"type"`
	Hex  string `json:"hex"`
}

// NewBigInt copies x into a BigInt. A nil x yields a nil BigInt value.
func NewBigInt(x *big.Int) BigInt {
	if x == nil {
		return BigInt{}
	}
	return BigInt{Int: new(big.Int).Set(x)}
}

// BigIntFromUint64 builds a BigInt from v.
func BigIntFromUint64(v uint64) BigInt {
	return BigInt{Int: new(big.Int).SetUint64(v)}
}

// Big returns the value, or zero when unset.
func (b BigInt) Big() *big.Int {
	if b.Int == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(b.Int)
}

func (b BigInt) MarshalJSON() ([]byte, error) {
	if b.Int == nil {
		return []byte("null"), nil
	}
	return json.Marshal(bigIntWire{Type: bigIntTag, Hex: encodeSignedHex(b.Int)})
}

func (b *BigInt) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		b.Int = nil
		return nil
	}

	var wire bigIntWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("bigint: %w", err)
	}
	if wire.Type != bigIntTag {
		return fmt.Errorf("bigint: unexpected type tag %q", wire.Type)
	}

	v, err := decodeSignedHex(wire.Hex)
	if err != nil {
		return err
	}
	b.Int = v
	return nil
}

func encodeSignedHex(v *big.Int) string {
	if v.Sign() < 0 {
		return "-" + hexutil.EncodeBig(new(big.Int).Neg(v))
	}
	return hexutil.EncodeBig(v)
}

func decodeSignedHex(s string) (*big.Int, error) {
	neg := strings.HasPrefix(s, "-")
	digits := strings.TrimPrefix(s, "-")
	if !strings.HasPrefix(digits, "0x") && !strings.HasPrefix(digits, "0X") {
		return nil, fmt.Errorf("bigint: hex %q lacks 0x prefix", s)
	}

	v, ok := new(big.Int).SetString(digits[2:], 16)
	if !ok {
		return nil, fmt.Errorf("bigint: invalid hex %q", s)
	}
	if neg {
		v.Neg(v)
	}
	return v, nil
}

// Encode serializes a job payload. BigInt fields are tagged on the way out.
func Encode(payload any) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage("{}"), nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return data, nil
}
