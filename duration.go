package multimcp

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Duration is a time.Duration that accepts plain numbers (seconds) as well
// as Go duration strings ("30s", "1m30s") in YAML and JSON config fields.
type Duration time.Duration

func (d Duration) String() string {
	return time.Duration(d).String()
}

// Or returns the duration, falling back to def when unset.
func (d Duration) Or(def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.parse(raw)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw interface{}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	return d.parse(raw)
}

func (d *Duration) parse(raw interface{}) error {
	switch v := raw.(type) {
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
		return nil
	case int:
		*d = Duration(time.Duration(v) * time.Second)
		return nil
	case string:
		if parsed, err := time.ParseDuration(v); err == nil {
			*d = Duration(parsed)
			return nil
		}
		if seconds, err := strconv.ParseFloat(v, 64); err == nil {
			*d = Duration(time.Duration(seconds * float64(time.Second)))
			return nil
		}
		return fmt.Errorf("invalid duration format: %q", v)
	default:
		return fmt.Errorf("duration must be a number or string, got %T", raw)
	}
}
