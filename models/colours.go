package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// SerializableColours is a list of hex colours stored as a JSON column.
type SerializableColours []string

func (s SerializableColours) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *SerializableColours) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*s = SerializableColours{}
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("cannot scan %T into SerializableColours", src)
	}
	if len(data) == 0 {
		*s = SerializableColours{}
		return nil
	}
	return json.Unmarshal(data, s)
}
