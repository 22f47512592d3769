package storage

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// encodeValue serializes a value for a text column or hash field.
func encodeValue(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("storage: encode value: %w", err)
	}
	return string(b), nil
}

// decodeValue parses stored text back into maps, slices, float64, string,
// bool or nil.
func decodeValue(s string) (any, error) {
	if !gjson.Valid(s) {
		return nil, fmt.Errorf("storage: stored value is not valid json")
	}
	return gjson.Parse(s).Value(), nil
}
