package datapoint

import (
	"fmt"
	"maps"
	"strings"
	"time"
)

// Kind classifies an object in the tree.
type Kind string

// Object kinds, from the top of the tree down.
const (
	KindDevice  Kind = "device"
	KindChannel Kind = "channel"
	KindState   Kind = "state"
)

// Value types used in Common.Type.
const (
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeString  = "string"
)

// Common is the descriptive metadata every object carries.
type Common struct {
	Name  string `json:"name"`
	Type  string `json:"type,omitempty"`
	Role  string `json:"role,omitempty"`
	Unit  string `json:"unit,omitempty"`
	Read  bool   `json:"read,omitempty"`
	Write bool   `json:"write,omitempty"`
	Def   any    `json:"def,omitempty"`
}

// Native holds bridge-specific data attached to an object, such as the
// discovery announcement of a device.
type Native map[string]any

// Object is one node of the datapoint tree, addressed by a dotted ID
// ("refossem06p-c4e7ae0a1b2c.A1.Power").
type Object struct {
	ID        string
	Kind      Kind
	Common    Common
	Native    Native
	CreatedAt time.Time
	UpdatedAt time.Time
}

// State is the latest value of a state datapoint.
type State struct {
	ID        string
	Value     any
	Ack       bool
	UpdatedAt time.Time
}

// Validate checks the fields required to persist an object.
func (o *Object) Validate() error {
	if strings.TrimSpace(o.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidObject)
	}
	switch o.Kind {
	case KindDevice, KindChannel, KindState:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidKind, o.Kind)
	}
	if o.Kind == KindState && o.Common.Type == "" {
		return fmt.Errorf("%w: state %s has no type", ErrInvalidObject, o.ID)
	}
	return nil
}

// DeepCopy returns a copy that shares no mutable data with o.
// Native is copied one level deep.
func (o *Object) DeepCopy() *Object {
	if o == nil {
		return nil
	}
	c := *o
	if o.Native != nil {
		c.Native = maps.Clone(o.Native)
	}
	return &c
}

// preserve copies the named Common fields from existing into o. It keeps
// user edits (a renamed channel, say) when the bridge re-registers objects.
func (o *Object) preserve(existing *Object, keys []string) {
	for _, k := range keys {
		switch k {
		case "name":
			if existing.Common.Name != "" {
				o.Common.Name = existing.Common.Name
			}
		case "role":
			o.Common.Role = existing.Common.Role
		case "unit":
			o.Common.Unit = existing.Common.Unit
		}
	}
}
