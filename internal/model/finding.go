package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Field is a single named value of a Finding. Value is either a string or
// a json.RawMessage holding a nested structure, number, bool or null.
type Field struct {
	Key   string
	Value any
}

// Finding is a provider specific record. It keeps the field names and the
// order of the scanner output, so it round-trips to the same JSON document.
type Finding struct {
	fields []Field
}

func NewFinding(fields ...Field) Finding {
	var f Finding
	for _, fld := range fields {
		f.Set(fld.Key, fld.Value)
	}
	return f
}

// Set replaces the value of an existing key or appends a new one.
func (f *Finding) Set(key string, value any) {
	for i := range f.fields {
		if f.fields[i].Key == key {
			f.fields[i].Value = value
			return
		}
	}
	f.fields = append(f.fields, Field{Key: key, Value: value})
}

func (f Finding) Get(key string) (any, bool) {
	for _, fld := range f.fields {
		if fld.Key == key {
			return fld.Value, true
		}
	}
	return nil, false
}

func (f Finding) Keys() []string {
	keys := make([]string, len(f.fields))
	for i, fld := range f.fields {
		keys[i] = fld.Key
	}
	return keys
}

func (f Finding) Fields() []Field {
	return append([]Field(nil), f.fields...)
}

func (f Finding) Len() int {
	return len(f.fields)
}

// String returns a field as text. Nested values are returned as JSON.
func (f Finding) String(key string) string {
	return f.lookup(key, "")
}

// Path evaluates a gjson path inside a nested field, e.g.
// Path("Severity", "Label").
func (f Finding) Path(key, path string) string {
	return f.lookup(key, path)
}

func (f Finding) lookup(key, path string) string {
	v, ok := f.Get(key)
	if !ok {
		return ""
	}
	switch v := v.(type) {
	case string:
		if path == "" {
			return v
		}
	case json.RawMessage:
		if path == "" {
			return gjson.ParseBytes(v).String()
		}
		return gjson.GetBytes(v, path).String()
	}
	return ""
}

// AccountID returns the cloud account of a finding, "" if not present.
func (f Finding) AccountID() string {
	return firstOf(f.String("AwsAccountId"), f.String("ACCOUNT_UID"))
}

func (f Finding) Region() string {
	return firstOf(
		f.String("REGION"),
		f.String("Region"),
		f.Path("Resources", "0.Region"),
	)
}

func (f Finding) Severity() string {
	return strings.ToLower(firstOf(f.String("SEVERITY"), f.Path("Severity", "Label")))
}

func (f Finding) CheckID() string {
	return firstOf(
		f.String("CHECK_ID"),
		strings.TrimPrefix(f.String("GeneratorId"), "prowler-"),
	)
}

func (f Finding) Title() string {
	return firstOf(f.String("CHECK_TITLE"), f.String("Title"))
}

func (f Finding) Description() string {
	return firstOf(f.String("DESCRIPTION"), f.String("Description"))
}

func (f Finding) ResourceID() string {
	return firstOf(f.String("RESOURCE_UID"), f.Path("Resources", "0.Id"))
}

// Status is PASS/FAIL/MANUAL for GCP and PASSED/FAILED/WARNING for AWS.
func (f Finding) Status() string {
	return firstOf(f.String("STATUS"), f.Path("Compliance", "Status"))
}

func (f Finding) Remediation() string {
	return firstOf(
		f.String("REMEDIATION_RECOMMENDATION_TEXT"),
		f.Path("Remediation", "Recommendation.Text"),
	)
}

func (f Finding) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, fld := range f.fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(fld.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		switch v := fld.Value.(type) {
		case json.RawMessage:
			if len(v) == 0 {
				buf.WriteString("null")
				continue
			}
			buf.Write(v)
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("marshaling field %s: %w", fld.Key, err)
			}
			buf.Write(b)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (f *Finding) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("finding must be a JSON object, got %v", tok)
	}

	f.fields = f.fields[:0]
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected token %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("decoding field %s: %w", key, err)
		}
		f.Set(key, fieldValue(raw))
	}
	_, err = dec.Token()
	return err
}

func fieldValue(raw json.RawMessage) any {
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return raw
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
