package models

import (
    "database/sql/driver"
    "encoding/json"
    "fmt"
)

// Details is the free-form JSONB payload attached to an event log entry.
type Details map[string]interface{}

// Value stores nil and empty maps as '{}' so the column never holds NULL.
func (d Details) Value() (driver.Value, error) {
    if len(d) == 0 {
        return []byte("{}"), nil
    }
    b, err := json.Marshal(map[string]interface{}(d))
    if err != nil {
        return nil, fmt.Errorf("encode details: %w", err)
    }
    return b, nil
}

func (d *Details) Scan(src interface{}) error {
    var raw []byte
    switch v := src.(type) {
    case nil:
        *d = Details{}
        return nil
    case []byte:
        raw = v
    case string:
        raw = []byte(v)
    default:
        return fmt.Errorf("scan details: unsupported type %T", src)
    }
    out := Details{}
    if err := json.Unmarshal(raw, &out); err != nil {
        return fmt.Errorf("decode details: %w", err)
    }
    *d = out
    return nil
}
