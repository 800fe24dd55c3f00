package document

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Kind identifies which variant a Value holds.
type Kind int

const (
	KindString Kind = iota
	KindInt64
	KindDouble
	KindBool
	KindArray
	KindDocument
)

// Value is a tagged variant over the types a Document field may hold.
type Value struct {
	kind Kind
	str  string
	i64  int64
	f64  float64
	b    bool
	arr  []Value
	doc  *Document
}

// String wraps a string into a Value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Int64 wraps an int64 into a Value.
func Int64(i int64) Value { return Value{kind: KindInt64, i64: i} }

// Double wraps a float64 into a Value.
func Double(f float64) Value { return Value{kind: KindDouble, f64: f} }

// Bool wraps a bool into a Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Array wraps a slice of values into a Value.
func Array(vs ...Value) Value { return Value{kind: KindArray, arr: vs} }

// Doc wraps a sub-document into a Value.
func Doc(d *Document) Value { return Value{kind: KindDocument, doc: d} }

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// AsString returns the string variant, or "" if the value holds another kind.
func (v Value) AsString() string {
	if v.kind != KindString {
		return ""
	}
	return v.str
}

// AsInt64 returns the integer variant. A double is accepted and truncated
// toward zero, since JSON does not distinguish the two.
func (v Value) AsInt64() int64 {
	switch v.kind {
	case KindInt64:
		return v.i64
	case KindDouble:
		return int64(v.f64)
	}
	return 0
}

// AsDouble returns the floating-point variant.
func (v Value) AsDouble() float64 {
	switch v.kind {
	case KindDouble:
		return v.f64
	case KindInt64:
		return float64(v.i64)
	}
	return 0
}

// AsBool returns the bool variant.
func (v Value) AsBool() bool {
	if v.kind != KindBool {
		return false
	}
	return v.b
}

// AsArray returns the array variant.
func (v Value) AsArray() []Value {
	if v.kind != KindArray {
		return nil
	}
	return v.arr
}

// AsDocument returns the sub-document variant, or nil.
func (v Value) AsDocument() *Document {
	if v.kind != KindDocument {
		return nil
	}
	return v.doc
}

// Equal compares two values structurally.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindInt64:
		return v.i64 == o.i64
	case KindDouble:
		return v.f64 == o.f64
	case KindBool:
		return v.b == o.b
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case KindDocument:
		return v.doc.Equal(o.doc)
	}
	return false
}

// Document is an ordered set of named values. Keys keep insertion order on
// marshal; readers must not assume any particular ordering on the wire.
type Document struct {
	keys   []string
	values map[string]Value
}

// New creates an empty document.
func New() *Document {
	return &Document{values: make(map[string]Value)}
}

// Set stores a value under key, appending the key on first insertion.
func (d *Document) Set(key string, v Value) *Document {
	if _, ok := d.values[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.values[key] = v
	return d
}

// SetString stores a string field.
func (d *Document) SetString(key, s string) *Document { return d.Set(key, String(s)) }

// SetInt64 stores an integer field.
func (d *Document) SetInt64(key string, i int64) *Document { return d.Set(key, Int64(i)) }

// SetDouble stores a floating-point field.
func (d *Document) SetDouble(key string, f float64) *Document { return d.Set(key, Double(f)) }

// SetBool stores a bool field.
func (d *Document) SetBool(key string, b bool) *Document { return d.Set(key, Bool(b)) }

// SetDocument stores a sub-document field.
func (d *Document) SetDocument(key string, sub *Document) *Document { return d.Set(key, Doc(sub)) }

// Get returns the value stored under key.
func (d *Document) Get(key string) (Value, bool) {
	v, ok := d.values[key]
	return v, ok
}

// Keys returns the keys in insertion order.
func (d *Document) Keys() []string {
	out := make([]string, len(d.keys))
	copy(out, d.keys)
	return out
}

// Len returns the number of fields.
func (d *Document) Len() int { return len(d.keys) }

// Path resolves a dotted path ("a.b.c") by folding over nested
// sub-documents. The lookup fails if any intermediate segment is not a
// sub-document.
func (d *Document) Path(path string) (Value, bool) {
	segs := strings.Split(path, ".")
	cur := d
	for i, seg := range segs {
		v, ok := cur.values[seg]
		if !ok {
			return Value{}, false
		}
		if i == len(segs)-1 {
			return v, true
		}
		cur = v.AsDocument()
		if cur == nil {
			return Value{}, false
		}
	}
	return Value{}, false
}

// PathString resolves a dotted path to a string field.
func (d *Document) PathString(path string) string {
	v, _ := d.Path(path)
	return v.AsString()
}

// PathInt64 resolves a dotted path to an integer field.
func (d *Document) PathInt64(path string) int64 {
	v, _ := d.Path(path)
	return v.AsInt64()
}

// Equal compares two documents structurally, ignoring key order.
func (d *Document) Equal(o *Document) bool {
	if d == nil || o == nil {
		return d == o
	}
	if len(d.keys) != len(o.keys) {
		return false
	}
	for k, v := range d.values {
		ov, ok := o.values[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// MarshalJSON emits the document as a JSON object with keys in insertion
// order.
func (d *Document) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range d.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		if err := d.values[k].marshalInto(&buf); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (v Value) marshalInto(buf *bytes.Buffer) error {
	switch v.kind {
	case KindString:
		b, err := json.Marshal(v.str)
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindInt64:
		fmt.Fprintf(buf, "%d", v.i64)
	case KindDouble:
		b, err := json.Marshal(v.f64)
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindBool:
		if v.b {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case KindArray:
		buf.WriteByte('[')
		for i, e := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := e.marshalInto(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindDocument:
		b, err := v.doc.MarshalJSON()
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}

// UnmarshalJSON parses a JSON object, preserving the key order found on the
// wire. Whole numbers decode as int64, everything else numeric as float64.
func (d *Document) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("document: expected object, got %v", tok)
	}

	d.keys = nil
	d.values = make(map[string]Value)
	return d.decodeFields(dec)
}

func (d *Document) decodeFields(dec *json.Decoder) error {
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("document: expected key, got %v", keyTok)
		}
		v, err := decodeValue(dec)
		if err != nil {
			return err
		}
		d.Set(key, v)
	}
	// Consume the closing brace.
	_, err := dec.Token()
	return err
}

func decodeValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return Value{}, err
	}
	switch t := tok.(type) {
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int64(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, err
		}
		return Double(f), nil
	case json.Delim:
		switch t {
		case '{':
			sub := New()
			if err := sub.decodeFields(dec); err != nil {
				return Value{}, err
			}
			return Doc(sub), nil
		case '[':
			var arr []Value
			for dec.More() {
				e, err := decodeValue(dec)
				if err != nil {
					return Value{}, err
				}
				arr = append(arr, e)
			}
			if _, err := dec.Token(); err != nil {
				return Value{}, err
			}
			return Array(arr...), nil
		}
	case nil:
		// JSON null has no variant; treat it as an empty string field.
		return String(""), nil
	}
	return Value{}, fmt.Errorf("document: unexpected token %v", tok)
}
