package form

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// looseString decodes strings, numbers and booleans as text; any other shape
// decodes as "".
type looseString string

func (s *looseString) UnmarshalJSON(data []byte) error {
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return err
	}

	switch t := v.(type) {
	case string:
		*s = looseString(t)
	case json.Number:
		*s = looseString(t.String())
	case bool:
		*s = looseString(strconv.FormatBool(t))
	default:
		*s = ""
	}
	return nil
}

// truthyString is a looseString for optional fields where false, 0 and ""
// all mean absent.
type truthyString string

func (s *truthyString) UnmarshalJSON(data []byte) error {
	var present looseBool
	if err := present.UnmarshalJSON(data); err != nil {
		return err
	}
	if !present {
		*s = ""
		return nil
	}
	var text looseString
	if err := text.UnmarshalJSON(data); err != nil {
		return err
	}
	*s = truthyString(text)
	return nil
}

// looseName is a looseString that also accepts {"name": "..."} objects, the
// shape some producers use for concept datatypes.
type looseName string

func (n *looseName) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var obj struct {
			Name    looseString `json:"name"`
			Display looseString `json:"display"`
		}
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return err
		}
		*n = looseName(firstNonEmpty(string(obj.Name), string(obj.Display)))
		return nil
	}

	var s looseString
	if err := s.UnmarshalJSON(trimmed); err != nil {
		return err
	}
	*n = looseName(s)
	return nil
}

// looseBool decodes any JSON value by truthiness: true, non-zero numbers and
// non-empty strings are true.
type looseBool bool

func (b *looseBool) UnmarshalJSON(data []byte) error {
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return err
	}

	switch t := v.(type) {
	case bool:
		*b = looseBool(t)
	case string:
		*b = t != ""
	case json.Number:
		f, err := t.Float64()
		*b = err != nil || f != 0
	case nil:
		*b = false
	default:
		*b = true
	}
	return nil
}
