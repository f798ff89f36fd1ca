package model

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
)

// ValueKind is the type tag of a stored Value.
type ValueKind uint8

const (
	KindString ValueKind = iota
	KindBytes
	KindInt64
	KindFloat64
)

func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindInt64:
		return "int64"
	case KindFloat64:
		return "float64"
	default:
		return fmt.Sprintf("ValueKind(%d)", k)
	}
}

// Value is a stored field value.
type Value struct {
	Kind  ValueKind
	Str   string
	Bytes []byte
	Int   int64
	Float float64
}

// StringValue returns a string value.
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// BytesValue returns a binary value.
func BytesValue(b []byte) Value { return Value{Kind: KindBytes, Bytes: b} }

// Int64Value returns an integer value.
func Int64Value(v int64) Value { return Value{Kind: KindInt64, Int: v} }

// Float64Value returns a floating point value.
func Float64Value(v float64) Value { return Value{Kind: KindFloat64, Float: v} }

// Equal reports whether v and o hold the same typed value. Floats compare by bits.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindString:
		return v.Str == o.Str
	case KindBytes:
		return bytes.Equal(v.Bytes, o.Bytes)
	case KindInt64:
		return v.Int == o.Int
	case KindFloat64:
		return math.Float64bits(v.Float) == math.Float64bits(o.Float)
	}
	return false
}

func (v Value) String() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindBytes:
		return fmt.Sprintf("%x", v.Bytes)
	case KindInt64:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat64:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	}
	return ""
}

// StoredField is one stored value of a document as returned by readers.
type StoredField struct {
	Name  string
	Value Value
}
