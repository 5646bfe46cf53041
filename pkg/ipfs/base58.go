package ipfs

import (
	"fmt"
	"math/big"
)

// base58Alphabet is the Bitcoin/IPFS base58btc alphabet (no 0, O, I, l).
const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

var base58Index [256]int8

func init() {
	for i := range base58Index {
		base58Index[i] = -1
	}
	for i, c := range base58Alphabet {
		base58Index[c] = int8(i)
	}
}

// base58Decode decodes a base58btc string into raw bytes, preserving
// leading-zero bytes as leading '1' characters the way Bitcoin/IPFS base58
// encodings do.
func base58Decode(s string) ([]byte, error) {
	base := big.NewInt(58)
	num := big.NewInt(0)
	for i := 0; i < len(s); i++ {
		idx := base58Index[s[i]]
		if idx < 0 {
			return nil, fmt.Errorf("ipfs: invalid base58 character %q", s[i])
		}
		num.Mul(num, base)
		num.Add(num, big.NewInt(int64(idx)))
	}

	decoded := num.Bytes()

	leadingZeros := 0
	for leadingZeros < len(s) && s[leadingZeros] == '1' {
		leadingZeros++
	}

	out := make([]byte, leadingZeros+len(decoded))
	copy(out[leadingZeros:], decoded)
	return out, nil
}

// base58Encode encodes raw bytes as base58btc, preserving leading zero
// bytes as leading '1' characters.
func base58Encode(data []byte) string {
	base := big.NewInt(58)
	num := new(big.Int).SetBytes(data)
	zero := big.NewInt(0)
	mod := new(big.Int)

	var out []byte
	for num.Cmp(zero) > 0 {
		num.DivMod(num, base, mod)
		out = append(out, base58Alphabet[mod.Int64()])
	}
	for i, b := range data {
		if b != 0 {
			break
		}
		out = append(out, base58Alphabet[0])
		_ = i
	}
	reverse(out)
	return string(out)
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
