package document

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind tags the variant carried by a Unit.
type Kind string

const (
	KindFleetPin      Kind = "fleet-pin"
	KindTextLabel     Kind = "text-label"
	KindFreeformShape Kind = "freeform-shape"
	KindImageDecal    Kind = "image-decal"
	KindConnectorLine Kind = "connector-line"
)

var ErrUnknownKind = errors.New("unknown unit kind")

// Unit is a positioned record on a layer. Body holds the kind-specific
// payload; it is one of *FleetPin, *TextLabel, *FreeformShape, *ImageDecal
// or *ConnectorLine.
type Unit struct {
	ID   int64
	X    float64
	Y    float64
	Body UnitBody
}

// UnitBody is implemented only by the variant types in this package.
type UnitBody interface {
	Kind() Kind
	isUnitBody()
}

type FleetPin struct {
	Fleets []Fleet `json:"fleets"`
}

type Fleet struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Ships []Ship `json:"ships"`
}

type Ship struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Class string `json:"class,omitempty"`
	Count int    `json:"count,omitempty"`
}

type TextLabel struct {
	Text     string  `json:"text"`
	Color    string  `json:"color,omitempty"`
	FontSize float64 `json:"fontSize,omitempty"`
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type FreeformShape struct {
	Points []Point `json:"points"`
	Stroke string  `json:"stroke,omitempty"`
	Fill   string  `json:"fill,omitempty"`
	Width  float64 `json:"width,omitempty"`
}

type ImageDecal struct {
	Src      string  `json:"src"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Rotation float64 `json:"rotation,omitempty"`
	Opacity  float64 `json:"opacity,omitempty"`
}

// ConnectorLine joins two units by id.
type ConnectorLine struct {
	From   int64   `json:"from"`
	To     int64   `json:"to"`
	Color  string  `json:"color,omitempty"`
	Width  float64 `json:"width,omitempty"`
	Dashed bool    `json:"dashed,omitempty"`
}

func (*FleetPin) Kind() Kind      { return KindFleetPin }
func (*TextLabel) Kind() Kind     { return KindTextLabel }
func (*FreeformShape) Kind() Kind { return KindFreeformShape }
func (*ImageDecal) Kind() Kind    { return KindImageDecal }
func (*ConnectorLine) Kind() Kind { return KindConnectorLine }

func (*FleetPin) isUnitBody()      {}
func (*TextLabel) isUnitBody()     {}
func (*FreeformShape) isUnitBody() {}
func (*ImageDecal) isUnitBody()    {}
func (*ConnectorLine) isUnitBody() {}

// Kind reports the variant tag, or "" for a unit without a body.
func (u Unit) Kind() Kind {
	if u.Body == nil {
		return ""
	}
	return u.Body.Kind()
}

// Clone returns a copy of u that shares no slices with it.
func (u Unit) Clone() Unit {
	out := u
	switch b := u.Body.(type) {
	case *FleetPin:
		fleets := make([]Fleet, len(b.Fleets))
		for i, f := range b.Fleets {
			fleets[i] = f
			fleets[i].Ships = append(make([]Ship, 0, len(f.Ships)), f.Ships...)
		}
		out.Body = &FleetPin{Fleets: fleets}
	case *TextLabel:
		c := *b
		out.Body = &c
	case *FreeformShape:
		c := *b
		c.Points = append(make([]Point, 0, len(b.Points)), b.Points...)
		out.Body = &c
	case *ImageDecal:
		c := *b
		out.Body = &c
	case *ConnectorLine:
		c := *b
		out.Body = &c
	}
	return out
}

type unitHeader struct {
	ID   int64   `json:"id"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Kind Kind    `json:"kind"`
}

// MarshalJSON flattens the variant fields next to id, x, y and kind.
func (u Unit) MarshalJSON() ([]byte, error) {
	h := unitHeader{ID: u.ID, X: u.X, Y: u.Y}
	switch b := u.Body.(type) {
	case *FleetPin:
		h.Kind = KindFleetPin
		body := *b
		if body.Fleets == nil {
			body.Fleets = []Fleet{}
		}
		return json.Marshal(struct {
			unitHeader
			FleetPin
		}{h, body})
	case *TextLabel:
		h.Kind = KindTextLabel
		return json.Marshal(struct {
			unitHeader
			TextLabel
		}{h, *b})
	case *FreeformShape:
		h.Kind = KindFreeformShape
		return json.Marshal(struct {
			unitHeader
			FreeformShape
		}{h, *b})
	case *ImageDecal:
		h.Kind = KindImageDecal
		return json.Marshal(struct {
			unitHeader
			ImageDecal
		}{h, *b})
	case *ConnectorLine:
		h.Kind = KindConnectorLine
		return json.Marshal(struct {
			unitHeader
			ConnectorLine
		}{h, *b})
	case nil:
		return nil, fmt.Errorf("unit %d: missing body", u.ID)
	default:
		return nil, fmt.Errorf("unit %d: %w: %T", u.ID, ErrUnknownKind, b)
	}
}

// UnmarshalJSON reads the kind tag first and decodes the same object into
// the matching variant.
func (u *Unit) UnmarshalJSON(data []byte) error {
	var h unitHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return err
	}

	var body UnitBody
	switch h.Kind {
	case KindFleetPin:
		body = &FleetPin{}
	case KindTextLabel:
		body = &TextLabel{}
	case KindFreeformShape:
		body = &FreeformShape{}
	case KindImageDecal:
		body = &ImageDecal{}
	case KindConnectorLine:
		body = &ConnectorLine{}
	default:
		return fmt.Errorf("unit %d: %w: %q", h.ID, ErrUnknownKind, h.Kind)
	}
	if err := json.Unmarshal(data, body); err != nil {
		return fmt.Errorf("unit %d (%s): %w", h.ID, h.Kind, err)
	}

	u.ID, u.X, u.Y, u.Body = h.ID, h.X, h.Y, body
	return nil
}

func (u Unit) validate() error {
	switch b := u.Body.(type) {
	case *FleetPin:
		ships := make(map[int64]struct{})
		for _, f := range b.Fleets {
			for _, s := range f.Ships {
				if _, dup := ships[s.ID]; dup {
					return fmt.Errorf("fleet %d: duplicate ship id %d", f.ID, s.ID)
				}
				ships[s.ID] = struct{}{}
			}
		}
		return nil
	case *TextLabel, *FreeformShape:
		return nil
	case *ImageDecal:
		if b.Opacity < 0 || b.Opacity > 1 {
			return fmt.Errorf("decal %w: %v", ErrInvalidOpacity, b.Opacity)
		}
		return nil
	case *ConnectorLine:
		if b.From == 0 || b.To == 0 {
			return ErrDanglingEndpoint
		}
		return nil
	case nil:
		return errors.New("missing body")
	default:
		return fmt.Errorf("%w: %T", ErrUnknownKind, b)
	}
}
