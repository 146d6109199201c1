package document

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Layer is one ordered slice of the map: its own units plus an optional
// background image with a transform.
type Layer struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Visible        bool      `json:"visible"`
	Units          []Unit    `json:"units"`
	Image          *string   `json:"image,omitempty"`
	ImageTransform Transform `json:"imageTransform"`
}

type Transform struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Scale    float64 `json:"scale"`
	Rotation float64 `json:"rotation"`
	Opacity  float64 `json:"opacity"`
}

// DefaultTransform is the identity transform for a freshly added layer image.
func DefaultTransform() Transform {
	return Transform{Scale: 1, Opacity: 1}
}

// Overrides is the named bag of config tables (ship and fleet taxonomies,
// app settings) that travels next to the layers. Values are opaque.
type Overrides map[string]json.RawMessage

var (
	ErrDuplicateLayerID = errors.New("duplicate layer id")
	ErrDuplicateUnitID  = errors.New("duplicate unit id")
	ErrInvalidOpacity   = errors.New("opacity out of range")
	ErrDanglingEndpoint = errors.New("connector endpoint is unset")
)

// Validate checks the structural invariants of a layer list: layer ids and
// unit ids are unique across the whole document and variant fields are sane.
func Validate(layers []Layer) error {
	layerIDs := make(map[int64]struct{}, len(layers))
	unitIDs := make(map[int64]struct{})
	for i, l := range layers {
		if _, dup := layerIDs[l.ID]; dup {
			return fmt.Errorf("layer %d: %w: %d", i, ErrDuplicateLayerID, l.ID)
		}
		layerIDs[l.ID] = struct{}{}

		if op := l.ImageTransform.Opacity; op < 0 || op > 1 {
			return fmt.Errorf("layer %d: image %w: %v", l.ID, ErrInvalidOpacity, op)
		}
		for _, u := range l.Units {
			if _, dup := unitIDs[u.ID]; dup {
				return fmt.Errorf("layer %d: %w: %d", l.ID, ErrDuplicateUnitID, u.ID)
			}
			unitIDs[u.ID] = struct{}{}
			if err := u.validate(); err != nil {
				return fmt.Errorf("layer %d unit %d: %w", l.ID, u.ID, err)
			}
		}
	}
	return nil
}

// DecodeLayers parses and validates a raw layer list.
func DecodeLayers(raw []byte) ([]Layer, error) {
	var layers []Layer
	if err := json.Unmarshal(raw, &layers); err != nil {
		return nil, fmt.Errorf("decode layers: %w", err)
	}
	if layers == nil {
		layers = []Layer{}
	}
	if err := Validate(layers); err != nil {
		return nil, err
	}
	return layers, nil
}

// FindUnit returns the layer index and unit index holding unitID.
func FindUnit(layers []Layer, unitID int64) (layerIdx, unitIdx int, ok bool) {
	for li, l := range layers {
		for ui, u := range l.Units {
			if u.ID == unitID {
				return li, ui, true
			}
		}
	}
	return -1, -1, false
}

// MoveUnit moves a unit to another layer. The unit is removed from its
// current layer and appended to the target; it is never shared. The input
// slice is not modified.
func MoveUnit(layers []Layer, unitID, targetLayerID int64) ([]Layer, error) {
	li, ui, ok := FindUnit(layers, unitID)
	if !ok {
		return nil, fmt.Errorf("unit %d not found", unitID)
	}
	target := -1
	for i, l := range layers {
		if l.ID == targetLayerID {
			target = i
			break
		}
	}
	if target < 0 {
		return nil, fmt.Errorf("layer %d not found", targetLayerID)
	}

	out := Clone(layers)
	unit := out[li].Units[ui]
	out[li].Units = append(out[li].Units[:ui:ui], out[li].Units[ui+1:]...)
	out[target].Units = append(out[target].Units, unit)
	return out, nil
}

// Clone deep-copies a layer list so that callers can edit it without
// touching shared state.
func Clone(layers []Layer) []Layer {
	if layers == nil {
		return nil
	}
	out := make([]Layer, len(layers))
	for i, l := range layers {
		out[i] = l
		if l.Image != nil {
			img := *l.Image
			out[i].Image = &img
		}
		out[i].Units = make([]Unit, len(l.Units))
		for j, u := range l.Units {
			out[i].Units[j] = u.Clone()
		}
	}
	return out
}
