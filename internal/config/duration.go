package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses "30s" / "5m" strings from JSON and YAML. Bare numbers are
// taken as nanoseconds, matching time.Duration's native encoding.
type Duration struct {
	time.Duration
}

// D returns the wrapped time.Duration.
func (d Duration) D() time.Duration { return d.Duration }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d *Duration) set(raw any) error {
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		d.Duration = parsed
	case float64:
		d.Duration = time.Duration(v)
	case int:
		d.Duration = time.Duration(v)
	case int64:
		d.Duration = time.Duration(v)
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
	return nil
}
