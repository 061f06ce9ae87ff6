package form

import (
	"bytes"
	"encoding/json"
	"time"
)

// ValueKind tags the runtime shape of an observation value.
type ValueKind int

const (
	ValueNone ValueKind = iota
	ValueNumber
	ValueString
	ValueBoolean
	ValueDate
	ValueCoded
	ValueUnknown
)

func (k ValueKind) String() string {
	switch k {
	case ValueNone:
		return "none"
	case ValueNumber:
		return "number"
	case ValueString:
		return "string"
	case ValueBoolean:
		return "boolean"
	case ValueDate:
		return "date"
	case ValueCoded:
		return "coded"
	default:
		return "unknown"
	}
}

// CodedAnswer is a coded value selected from a concept's answer list.
type CodedAnswer struct {
	Identifier    string
	Display       string
	DisplayString string
}

// Value is the polymorphic value of an observation record.
// The zero Value is ValueNone.
type Value struct {
	kind    ValueKind
	number  float64
	text    string
	boolean bool
	date    time.Time
	coded   CodedAnswer
}

// NumberValue returns a numeric value.
func NumberValue(f float64) Value { return Value{kind: ValueNumber, number: f} }

// StringValue returns a free-text value.
func StringValue(s string) Value { return Value{kind: ValueString, text: s} }

// BooleanValue returns a boolean value.
func BooleanValue(b bool) Value { return Value{kind: ValueBoolean, boolean: b} }

// DateValue returns a date value. A zero time is an invalid date.
func DateValue(t time.Time) Value { return Value{kind: ValueDate, date: t} }

// CodedValue returns a coded answer value.
func CodedValue(c CodedAnswer) Value { return Value{kind: ValueCoded, coded: c} }

// UnknownValue returns a value of a shape the transformer does not map.
func UnknownValue() Value { return Value{kind: ValueUnknown} }

// Kind returns the value's tag.
func (v Value) Kind() ValueKind { return v.kind }

// Number returns the numeric payload.
func (v Value) Number() float64 { return v.number }

// Text returns the string payload.
func (v Value) Text() string { return v.text }

// Bool returns the boolean payload.
func (v Value) Bool() bool { return v.boolean }

// Date returns the date payload.
func (v Value) Date() time.Time { return v.date }

// Coded returns the coded payload.
func (v Value) Coded() CodedAnswer { return v.coded }

// IsAbsent reports whether no value was supplied.
func (v Value) IsAbsent() bool { return v.kind == ValueNone }

// dateKey marks a producer-encoded date object: {"$date": "<RFC 3339>"}.
const dateKey = "$date"

// UnmarshalJSON decodes a value by its JSON shape.
func (v *Value) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		*v = Value{}
		return nil
	}

	switch trimmed[0] {
	case 'n':
		*v = Value{}
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*v = StringValue(s)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return err
		}
		*v = BooleanValue(b)
	case '{':
		return v.unmarshalObject(trimmed)
	case '[':
		*v = UnknownValue()
	default:
		var n json.Number
		if err := json.Unmarshal(trimmed, &n); err != nil {
			return err
		}
		f, err := n.Float64()
		if err != nil {
			*v = UnknownValue()
			return nil
		}
		*v = NumberValue(f)
	}
	return nil
}

func (v *Value) unmarshalObject(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	if raw, ok := fields[dateKey]; ok {
		var s looseString
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		t, err := time.Parse(time.RFC3339Nano, string(s))
		if err != nil {
			t = time.Time{}
		}
		*v = DateValue(t)
		return nil
	}

	id, hasUUID := fields["uuid"]
	if !hasUUID {
		id, hasUUID = fields["identifier"]
	}
	if !hasUUID {
		*v = UnknownValue()
		return nil
	}

	var answer struct {
		Display       looseString `json:"display"`
		DisplayString looseString `json:"displayString"`
	}
	if err := json.Unmarshal(data, &answer); err != nil {
		return err
	}
	var identifier looseString
	if err := json.Unmarshal(id, &identifier); err != nil {
		return err
	}

	*v = CodedValue(CodedAnswer{
		Identifier:    string(identifier),
		Display:       string(answer.Display),
		DisplayString: string(answer.DisplayString),
	})
	return nil
}

// MarshalJSON encodes the value in the shape UnmarshalJSON accepts.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case ValueNumber:
		return json.Marshal(v.number)
	case ValueString:
		return json.Marshal(v.text)
	case ValueBoolean:
		return json.Marshal(v.boolean)
	case ValueDate:
		if v.date.IsZero() {
			return json.Marshal(map[string]string{dateKey: ""})
		}
		return json.Marshal(map[string]string{dateKey: v.date.Format(time.RFC3339Nano)})
	case ValueCoded:
		return json.Marshal(struct {
			UUID          string `json:"uuid"`
			Display       string `json:"display,omitempty"`
			DisplayString string `json:"displayString,omitempty"`
		}{v.coded.Identifier, v.coded.Display, v.coded.DisplayString})
	default:
		return []byte("null"), nil
	}
}
