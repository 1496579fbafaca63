package domain

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// NewGroupKey derives the grouping key for a task from its simulation
// settings. Settings are normalized (decoded and re-encoded so object
// keys are sorted) before hashing, so two submissions with the same
// settings in a different key order land in the same group.
func NewGroupKey(settings json.RawMessage) (string, error) {
	norm, err := normalizeJSON(settings)
	if err != nil {
		return "", fmt.Errorf("normalize settings: %w", err)
	}
	sum := md5.Sum(norm)
	return hex.EncodeToString(sum[:]), nil
}

// NewSignature derives the unique identity of a task from its expression
// text and settings. Tasks with equal signatures are duplicates.
func NewSignature(regular string, settings json.RawMessage) (string, error) {
	norm, err := normalizeJSON(settings)
	if err != nil {
		return "", fmt.Errorf("normalize settings: %w", err)
	}
	sum := md5.Sum([]byte(regular + "_" + string(norm)))
	return hex.EncodeToString(sum[:]), nil
}

// normalizeJSON round-trips raw JSON through a map so that encoding/json
// re-emits object keys in sorted order.
func normalizeJSON(raw json.RawMessage) ([]byte, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
