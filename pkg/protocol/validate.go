package protocol

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/Tomine1411S/fiction-fleet-placer-sub000/pkg/document"
)

var ErrMalformed = errors.New("malformed payload")

// Empty field values used in the snapshot of a session nobody has written to.
var (
	EmptyLayers    = []byte("[]")
	EmptyMapImage  = []byte("null")
	EmptyOverrides = []byte("null")
)

// JoinID extracts the presented identifier from a join payload.
func JoinID(payload []byte) (string, error) {
	id := gjson.GetBytes(payload, "id")
	if id.Type != gjson.String || id.Str == "" {
		return "", fmt.Errorf("%w: join requires a non-empty string 'id'", ErrMalformed)
	}
	return id.Str, nil
}

// ExtractLayers checks a pushData payload and returns the raw layer list.
// The layers must decode into the document model and pass its invariants.
func ExtractLayers(payload []byte) ([]byte, []document.Layer, error) {
	if !gjson.ValidBytes(payload) {
		return nil, nil, fmt.Errorf("%w: invalid json", ErrMalformed)
	}
	res := gjson.GetBytes(payload, "layers")
	if !res.IsArray() {
		return nil, nil, fmt.Errorf("%w: 'layers' must be an array", ErrMalformed)
	}
	raw := []byte(res.Raw)
	layers, err := document.DecodeLayers(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return raw, layers, nil
}

// ExtractMapImage checks a pushMap payload. The image reference is a string
// (usually a data URL) or null to clear it.
func ExtractMapImage(payload []byte) ([]byte, error) {
	if !gjson.ValidBytes(payload) {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformed)
	}
	res := gjson.GetBytes(payload, "mapImage")
	switch {
	case !res.Exists():
		return nil, fmt.Errorf("%w: missing 'mapImage'", ErrMalformed)
	case res.Type != gjson.String && res.Type != gjson.Null:
		return nil, fmt.Errorf("%w: 'mapImage' must be a string or null", ErrMalformed)
	}
	return []byte(res.Raw), nil
}

// ExtractOverrides checks a pushConfig payload: an object or null.
func ExtractOverrides(payload []byte) ([]byte, error) {
	if !gjson.ValidBytes(payload) {
		return nil, fmt.Errorf("%w: invalid json", ErrMalformed)
	}
	res := gjson.GetBytes(payload, "overrides")
	switch {
	case !res.Exists():
		return nil, fmt.Errorf("%w: missing 'overrides'", ErrMalformed)
	case !res.IsObject() && res.Type != gjson.Null:
		return nil, fmt.Errorf("%w: 'overrides' must be an object or null", ErrMalformed)
	}
	return []byte(res.Raw), nil
}
