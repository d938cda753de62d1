// Package sdc models Structured Data on Commons claims (statements, snaks,
// references) in their Wikibase JSON form, and implements the merge engine
// that reconciles proposed claims against what already exists on a file
// page. The merge contract is strictly additive: pre-existing content is
// never deleted, rewritten or reordered.
package sdc

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Wikibase datavalue type discriminators.
const (
	TypeString          = "string"
	TypeWikibaseEntity  = "wikibase-entityid"
	TypeGlobeCoordinate = "globecoordinate"
	TypeTime            = "time"
	TypeQuantity        = "quantity"
	TypeMonolingual     = "monolingualtext"
)

// Value is one arm of the datavalue sum type. Equal implements the
// type-specific structural equality used by the merge engine; server-side
// artifacts (snak hashes, statement ids) are never part of it.
type Value interface {
	Equal(other Value) bool
}

// StringValue covers string, URL and external-id datavalues; they all
// compare by exact string.
type StringValue string

// Equal reports exact string equality.
func (v StringValue) Equal(other Value) bool {
	o, ok := other.(StringValue)
	return ok && v == o
}

// EntityIDValue is a reference to a Wikibase entity (Q or P id).
type EntityIDValue struct {
	EntityType string `json:"entity-type"`
	NumericID  int64  `json:"numeric-id"`
	ID         string `json:"id,omitempty"`
}

// Equal compares entity type and numeric id; the redundant string id does
// not participate.
func (v EntityIDValue) Equal(other Value) bool {
	o, ok := other.(EntityIDValue)
	return ok && v.EntityType == o.EntityType && v.NumericID == o.NumericID
}

// GlobeCoordinateValue is a point on a globe. Float comparison is exact:
// coordinates that differ only in precision are different values.
type GlobeCoordinateValue struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Altitude  *float64 `json:"altitude,omitempty"`
	Precision *float64 `json:"precision,omitempty"`
	Globe     string   `json:"globe"`
}

// Equal compares latitude, longitude, altitude, precision and globe.
func (v GlobeCoordinateValue) Equal(other Value) bool {
	o, ok := other.(GlobeCoordinateValue)
	return ok &&
		v.Latitude == o.Latitude &&
		v.Longitude == o.Longitude &&
		floatPtrEqual(v.Altitude, o.Altitude) &&
		floatPtrEqual(v.Precision, o.Precision) &&
		v.Globe == o.Globe
}

// TimeValue is a point in time with calendar context.
type TimeValue struct {
	Time          string `json:"time"`
	Timezone      int    `json:"timezone"`
	Before        int    `json:"before"`
	After         int    `json:"after"`
	Precision     int    `json:"precision"`
	CalendarModel string `json:"calendarmodel"`
}

// Equal compares timestamp, precision, calendar model and timezone.
func (v TimeValue) Equal(other Value) bool {
	o, ok := other.(TimeValue)
	return ok &&
		v.Time == o.Time &&
		v.Precision == o.Precision &&
		v.CalendarModel == o.CalendarModel &&
		v.Timezone == o.Timezone
}

// QuantityValue is an amount with unit and optional bounds. Amounts are
// kept as their decimal string form ("+12.5") so no float rounding occurs.
type QuantityValue struct {
	Amount     string `json:"amount"`
	Unit       string `json:"unit"`
	UpperBound string `json:"upperBound,omitempty"`
	LowerBound string `json:"lowerBound,omitempty"`
}

// Equal compares amount, unit and bounds.
func (v QuantityValue) Equal(other Value) bool {
	o, ok := other.(QuantityValue)
	return ok && v == o
}

// MonolingualValue is a language-tagged string.
type MonolingualValue struct {
	Language string `json:"language"`
	Text     string `json:"text"`
}

// Equal compares language and text.
func (v MonolingualValue) Equal(other Value) bool {
	o, ok := other.(MonolingualValue)
	return ok && v == o
}

// RawValue carries a datavalue of an unrecognized type verbatim, so that
// parsing and re-serializing foreign claims never loses data.
type RawValue json.RawMessage

// Equal compares the raw bytes.
func (v RawValue) Equal(other Value) bool {
	o, ok := other.(RawValue)
	return ok && string(v) == string(o)
}

// MarshalJSON emits the raw bytes unchanged.
func (v RawValue) MarshalJSON() ([]byte, error) {
	return json.RawMessage(v).MarshalJSON()
}

// DataValue is the tagged pair of a type discriminator and its value.
type DataValue struct {
	Type  string
	Value Value
}

// Equal compares two datavalues structurally.
func (d DataValue) Equal(other DataValue) bool {
	if d.Type != other.Type {
		return false
	}
	if d.Value == nil || other.Value == nil {
		return d.Value == other.Value
	}
	return d.Value.Equal(other.Value)
}

type dataValueJSON struct {
	Value json.RawMessage `json:"value"`
	Type  string          `json:"type"`
}

// MarshalJSON serializes as {"value":...,"type":...}.
func (d DataValue) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(d.Value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(dataValueJSON{Value: raw, Type: d.Type})
}

// UnmarshalJSON dispatches on the type discriminator. Unknown types are
// preserved as RawValue rather than rejected.
func (d *DataValue) UnmarshalJSON(data []byte) error {
	var dv dataValueJSON
	if err := json.Unmarshal(data, &dv); err != nil {
		return err
	}
	d.Type = dv.Type
	switch dv.Type {
	case TypeString:
		var v StringValue
		if err := json.Unmarshal(dv.Value, &v); err != nil {
			return errors.Wrap(err, "string datavalue")
		}
		d.Value = v
	case TypeWikibaseEntity:
		var v EntityIDValue
		if err := json.Unmarshal(dv.Value, &v); err != nil {
			return errors.Wrap(err, "entity-id datavalue")
		}
		d.Value = v
	case TypeGlobeCoordinate:
		var v GlobeCoordinateValue
		if err := json.Unmarshal(dv.Value, &v); err != nil {
			return errors.Wrap(err, "globecoordinate datavalue")
		}
		d.Value = v
	case TypeTime:
		var v TimeValue
		if err := json.Unmarshal(dv.Value, &v); err != nil {
			return errors.Wrap(err, "time datavalue")
		}
		d.Value = v
	case TypeQuantity:
		var v QuantityValue
		if err := json.Unmarshal(dv.Value, &v); err != nil {
			return errors.Wrap(err, "quantity datavalue")
		}
		d.Value = v
	case TypeMonolingual:
		var v MonolingualValue
		if err := json.Unmarshal(dv.Value, &v); err != nil {
			return errors.Wrap(err, "monolingualtext datavalue")
		}
		d.Value = v
	default:
		d.Value = RawValue(append([]byte(nil), dv.Value...))
	}
	return nil
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Float returns a pointer to f, for optional coordinate fields.
func Float(f float64) *float64 {
	return &f
}
