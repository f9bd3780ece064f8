package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Variables holds free-form event details, stored as JSONB.
type Variables map[string]interface{}

// Clone returns a shallow copy; nil stays nil.
func (v Variables) Clone() Variables {
	if v == nil {
		return nil
	}
	out := make(Variables, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

func (v Variables) Value() (driver.Value, error) {
	if len(v) == 0 {
		return nil, nil
	}
	return json.Marshal(v)
}

func (v *Variables) Scan(src interface{}) error {
	var data []byte
	switch s := src.(type) {
	case nil:
		*v = nil
		return nil
	case []byte:
		data = s
	case string:
		data = []byte(s)
	default:
		return fmt.Errorf("scan details: unsupported type %T", src)
	}
	return json.Unmarshal(data, v)
}
