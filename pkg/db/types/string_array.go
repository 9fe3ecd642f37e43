package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// StringArray persists a slice of strings as a JSON column. Used for the
// processed-event ring on subscriptions.
type StringArray []string

// Value implements driver.Valuer.
func (a StringArray) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]string(a))
	if err != nil {
		return nil, fmt.Errorf("marshal string array: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (a *StringArray) Scan(value any) error {
	if value == nil {
		*a = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported string array source %T", value)
	}
	if len(data) == 0 {
		*a = nil
		return nil
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("unmarshal string array: %w", err)
	}
	*a = out
	return nil
}

// Contains reports whether the array holds the given value.
func (a StringArray) Contains(value string) bool {
	for _, candidate := range a {
		if candidate == value {
			return true
		}
	}
	return false
}

// Append adds value and trims the front so at most cap entries remain.
func (a StringArray) Append(value string, capSize int) StringArray {
	out := append(a, value)
	if capSize > 0 && len(out) > capSize {
		out = out[len(out)-capSize:]
	}
	return out
}
