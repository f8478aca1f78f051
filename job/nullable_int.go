package job

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// NullableInt represents a byte count that can be "empty" (aka nil), such as
// the size of a response that did not advertise one.
//
// A NullableInt is empty by default.
type NullableInt struct {
	hasValue bool // false by default
	i        int64
}

// Int returns a NullableInt holding i.
func Int(i int64) NullableInt {
	return NullableInt{hasValue: true, i: i}
}

// IsNil returns true if the value is empty.
func (ni NullableInt) IsNil() bool {
	return !ni.hasValue
}

// Value returns the value, make sure to check IsNil before using it.
func (ni NullableInt) Value() int64 {
	return ni.i
}

// Set sets the value to i.
func (ni *NullableInt) Set(i int64) {
	ni.hasValue = true
	ni.i = i
}

func (ni NullableInt) String() string {
	if ni.IsNil() {
		return "null"
	}
	return strconv.FormatInt(ni.i, 10)
}

// MarshalJSON encodes ni as null if empty, as a number otherwise.
func (ni NullableInt) MarshalJSON() ([]byte, error) {
	return []byte(ni.String()), nil
}

// UnmarshalJSON decodes null or a number.
func (ni *NullableInt) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*ni = NullableInt{}
		return nil
	}

	var i int64
	if err := json.Unmarshal(data, &i); err != nil {
		return err
	}
	ni.Set(i)
	return nil
}

// MarshalBinary encodes used a NullableInt. Implements encoding.BinaryMarshaler.
// ni is encoded to JSON. null if empty, int otherwise.
func (ni NullableInt) MarshalBinary() (data []byte, err error) {
	return ni.MarshalJSON()
}

// UnmarshalBinary decodes data to a NullableInt. Implements encoding.BinaryUnmarshaler.
func (ni *NullableInt) UnmarshalBinary(data []byte) error {
	return ni.UnmarshalJSON(data)
}
