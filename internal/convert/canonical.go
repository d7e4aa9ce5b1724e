package convert

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/zulandar/waypoint/internal/fault"
)

// CanonicalVersion identifies the canonicalization and graph translation
// rules. Bump it whenever either changes so cached results of the old rules
// hash to different keys.
const CanonicalVersion = 1

// Canonicalize renders params as JSON with sorted keys and normalized
// numbers, so canonically equal inputs produce identical bytes. Numbers keep
// their full precision: 2 and 2.0 are equal, 2^53 and 2^53+1 are not.
func Canonicalize(params map[string]any) ([]byte, error) {
	if len(params) == 0 {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("convert: canonicalize: %v: %w", err, fault.ErrInvalidInput)
	}
	generic, err := decodeValue(raw)
	if err != nil {
		return nil, fmt.Errorf("convert: canonicalize: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("convert: canonicalize: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ParametersHash is the content address of a conversion input.
func ParametersHash(namespace, workflowID string, params map[string]any) (string, error) {
	canon, err := Canonicalize(params)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s|%s", namespace, CanonicalVersion, workflowID, canon)))
	return hex.EncodeToString(sum[:]), nil
}

// decodeJSON decodes raw into v keeping numbers as json.Number.
func decodeJSON(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

// decodeValue decodes raw into generic values with every number in
// canonical json.Number form.
func decodeValue(raw []byte) (any, error) {
	var v any
	if err := decodeJSON(raw, &v); err != nil {
		return nil, err
	}
	return canonicalNumbers(v), nil
}

func canonicalNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		return canonicalNumber(t)
	case map[string]any:
		for k, item := range t {
			t[k] = canonicalNumbers(item)
		}
	case []any:
		for i, item := range t {
			t[i] = canonicalNumbers(item)
		}
	}
	return v
}

// canonicalNumber writes integral values as plain integers of any size and
// everything else in the shortest float64 form.
func canonicalNumber(n json.Number) json.Number {
	if i, ok := new(big.Int).SetString(string(n), 10); ok {
		return json.Number(i.String())
	}
	f, _, err := big.ParseFloat(string(n), 10, 512, big.ToNearestEven)
	if err != nil {
		return n
	}
	if f.IsInt() {
		i, _ := f.Int(nil)
		return json.Number(i.String())
	}
	f64, _ := f.Float64()
	return json.Number(strconv.FormatFloat(f64, 'g', -1, 64))
}

// isInteger reports whether a canonical number is integral.
func isInteger(n json.Number) bool {
	_, ok := new(big.Int).SetString(string(n), 10)
	return ok
}
