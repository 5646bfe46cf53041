package chain

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"regexp"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// TypedDataField is one entry of a TypedData type definition.
type TypedDataField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TypedData is the EIP-712 payload POST /sign-typed-data accepts (spec.md
// section 4.4). It intentionally mirrors the wire shape the agent sends —
// domain/message are untyped JSON objects decoded into map[string]any, since
// the set of structs an agent may ask the proxy to sign is open-ended.
//
// go-ethereum ships a richer typed-data hasher in signer/core/apitypes, but
// that subpackage isn't present anywhere in the retrieval pack this worker
// was grounded on, and its type surface has changed across go-ethereum
// releases. This hasher implements the same EIP-712 algorithm
// (encodeType/hashStruct/domainSeparator) directly against
// github.com/ethereum/go-ethereum/crypto's Keccak256 primitive, which is
// stable across versions. See DESIGN.md.
type TypedData struct {
	Types       map[string][]TypedDataField `json:"types"`
	PrimaryType string                      `json:"primaryType"`
	Domain      map[string]interface{}      `json:"domain"`
	Message     map[string]interface{}      `json:"message"`
}

var identifierRe = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*(\[\])?$`)

// Hash computes the EIP-712 digest: keccak256("\x19\x01" || domainSeparator || hashStruct(message)).
func (td TypedData) Hash() ([32]byte, error) {
	if _, ok := td.Types["EIP712Domain"]; !ok {
		return [32]byte{}, fmt.Errorf("chain: typed data missing EIP712Domain type")
	}
	if td.PrimaryType == "" {
		return [32]byte{}, fmt.Errorf("chain: typed data missing primaryType")
	}

	domainSep, err := td.hashStruct("EIP712Domain", td.Domain)
	if err != nil {
		return [32]byte{}, fmt.Errorf("chain: hash domain: %w", err)
	}
	msgHash, err := td.hashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return [32]byte{}, fmt.Errorf("chain: hash message: %w", err)
	}

	buf := append([]byte{0x19, 0x01}, domainSep[:]...)
	buf = append(buf, msgHash[:]...)
	return gethcrypto.Keccak256Hash(buf), nil
}

func (td TypedData) hashStruct(typ string, data map[string]interface{}) ([32]byte, error) {
	encoded, err := td.encodeData(typ, data)
	if err != nil {
		return [32]byte{}, err
	}
	typeHash := td.typeHash(typ)
	buf := append(append([]byte{}, typeHash[:]...), encoded...)
	return gethcrypto.Keccak256Hash(buf), nil
}

func (td TypedData) typeHash(primaryType string) [32]byte {
	return gethcrypto.Keccak256Hash([]byte(td.encodeType(primaryType)))
}

// encodeType implements EIP-712's encodeType: the primary type's definition
// followed by all types it references (directly or transitively), sorted
// alphabetically by name.
func (td TypedData) encodeType(primaryType string) string {
	deps := map[string]bool{}
	td.collectDeps(primaryType, deps)
	delete(deps, primaryType)

	sorted := make([]string, 0, len(deps))
	for d := range deps {
		sorted = append(sorted, d)
	}
	sort.Strings(sorted)
	ordered := append([]string{primaryType}, sorted...)

	var sb strings.Builder
	for _, t := range ordered {
		sb.WriteString(t)
		sb.WriteByte('(')
		fields := td.Types[t]
		for i, f := range fields {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(f.Type)
			sb.WriteByte(' ')
			sb.WriteString(f.Name)
		}
		sb.WriteByte(')')
	}
	return sb.String()
}

func (td TypedData) collectDeps(typ string, seen map[string]bool) {
	base := strings.TrimSuffix(typ, "[]")
	fields, ok := td.Types[base]
	if !ok || seen[base] {
		return
	}
	seen[base] = true
	for _, f := range fields {
		fieldBase := strings.TrimSuffix(f.Type, "[]")
		if _, isStruct := td.Types[fieldBase]; isStruct {
			td.collectDeps(fieldBase, seen)
		}
	}
}

// encodeData encodes one struct's fields per EIP-712's ABI-like rules.
func (td TypedData) encodeData(typ string, data map[string]interface{}) ([]byte, error) {
	fields, ok := td.Types[typ]
	if !ok {
		return nil, fmt.Errorf("chain: unknown type %q", typ)
	}
	var out []byte
	for _, f := range fields {
		val, exists := data[f.Name]
		if !exists {
			val = nil
		}
		enc, err := td.encodeValue(f.Type, val)
		if err != nil {
			return nil, fmt.Errorf("chain: field %q: %w", f.Name, err)
		}
		out = append(out, enc...)
	}
	return out, nil
}

// encodeValue encodes a single field value to its 32-byte ABI slot (or, for
// arrays, the keccak256 of the concatenated per-element encodings).
func (td TypedData) encodeValue(typ string, val interface{}) ([]byte, error) {
	if strings.HasSuffix(typ, "[]") {
		elemType := strings.TrimSuffix(typ, "[]")
		items, ok := val.([]interface{})
		if !ok {
			return nil, fmt.Errorf("expected array for type %s", typ)
		}
		var concat []byte
		for _, item := range items {
			if _, isStruct := td.Types[elemType]; isStruct {
				m, ok := item.(map[string]interface{})
				if !ok {
					return nil, fmt.Errorf("expected object for array element of type %s", elemType)
				}
				h, err := td.hashStruct(elemType, m)
				if err != nil {
					return nil, err
				}
				concat = append(concat, h[:]...)
				continue
			}
			enc, err := td.encodeValue(elemType, item)
			if err != nil {
				return nil, err
			}
			concat = append(concat, enc...)
		}
		hash := gethcrypto.Keccak256Hash(concat)
		return hash[:], nil
	}

	if _, isStruct := td.Types[typ]; isStruct {
		m, ok := val.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("expected object for struct type %s", typ)
		}
		h, err := td.hashStruct(typ, m)
		if err != nil {
			return nil, err
		}
		return h[:], nil
	}

	switch {
	case typ == "string":
		s, _ := val.(string)
		h := gethcrypto.Keccak256Hash([]byte(s))
		return h[:], nil
	case typ == "bytes":
		b, err := toBytes(val)
		if err != nil {
			return nil, err
		}
		h := gethcrypto.Keccak256Hash(b)
		return h[:], nil
	case typ == "address":
		s, _ := val.(string)
		addr := common.HexToAddress(s)
		return common.LeftPadBytes(addr.Bytes(), 32), nil
	case typ == "bool":
		b, _ := val.(bool)
		if b {
			return common.LeftPadBytes([]byte{1}, 32), nil
		}
		return make([]byte, 32), nil
	case strings.HasPrefix(typ, "bytes"):
		b, err := toBytes(val)
		if err != nil {
			return nil, err
		}
		return common.RightPadBytes(b, 32), nil
	case strings.HasPrefix(typ, "uint"), strings.HasPrefix(typ, "int"):
		n, err := toBigInt(val)
		if err != nil {
			return nil, err
		}
		return common.LeftPadBytes(n.Bytes(), 32), nil
	case !identifierRe.MatchString(typ):
		return nil, fmt.Errorf("invalid type identifier %q", typ)
	default:
		return nil, fmt.Errorf("unsupported or undeclared type %q", typ)
	}
}

func toBytes(val interface{}) ([]byte, error) {
	switch v := val.(type) {
	case []byte:
		return v, nil
	case string:
		s := strings.TrimPrefix(v, "0x")
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid hex bytes: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("expected hex string or []byte, got %T", val)
	}
}

func toBigInt(val interface{}) (*big.Int, error) {
	switch v := val.(type) {
	case string:
		n, ok := new(big.Int).SetString(strings.TrimPrefix(v, "0x"), func() int {
			if strings.HasPrefix(v, "0x") {
				return 16
			}
			return 10
		}())
		if !ok {
			return nil, fmt.Errorf("invalid integer %q", v)
		}
		return n, nil
	case float64:
		return big.NewInt(int64(v)), nil
	case *big.Int:
		return v, nil
	default:
		return nil, fmt.Errorf("expected numeric value, got %T", val)
	}
}
