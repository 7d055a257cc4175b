package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration decodes Go duration strings ("1.5s", "10m") from config files.
// Bare numbers are treated as seconds, which is what operators expect when
// porting values like batch_delay: 1.5 from the old deployment.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case string:
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", x, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(x * float64(time.Second)))
	default:
		return fmt.Errorf("invalid duration value %v", v)
	}
	if *d < 0 {
		return fmt.Errorf("duration must be >= 0, got %s", d)
	}
	return nil
}
