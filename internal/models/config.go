package models

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Reserved configuration keys. Every other key is a hyperparameter.
const (
	KeyScript      = "script"
	KeyDataPath    = "data_path"
	KeySavePath    = "save_path"
	KeyTensorboard = "tensorboard"
	KeyResume      = "resume"
	KeyValidate    = "validate"
	KeyGPUID       = "gpu_id"
	KeySeed        = "seed"
)

var reservedKeys = map[string]bool{
	KeyScript: true, KeyDataPath: true, KeySavePath: true, KeyTensorboard: true,
	KeyResume: true, KeyValidate: true, KeyGPUID: true, KeySeed: true,
}

// IsReserved reports whether key names a run option rather than a hyperparameter.
func IsReserved(key string) bool {
	return reservedKeys[key]
}

// Config is the typed configuration of a trial: fixed run options plus the
// hyperparameter values keyed by dimension name. On the wire it is one flat
// object so stores can filter on config.<name> for both kinds of keys.
type Config struct {
	Script      string
	DataPath    string
	SavePath    string
	Tensorboard string
	Resume      bool
	Validate    bool
	GPUID       int
	Seed        int64
	Params      map[string]any
}

// Clone returns a deep copy of the config.
func (c Config) Clone() Config {
	out := c
	out.Params = make(map[string]any, len(c.Params))
	for k, v := range c.Params {
		out.Params[k] = v
	}
	return out
}

// Get returns the value stored under key, reserved or not.
func (c Config) Get(key string) (any, bool) {
	switch key {
	case KeyScript:
		return c.Script, true
	case KeyDataPath:
		return c.DataPath, true
	case KeySavePath:
		return c.SavePath, true
	case KeyTensorboard:
		return c.Tensorboard, true
	case KeyResume:
		return c.Resume, true
	case KeyValidate:
		return c.Validate, true
	case KeyGPUID:
		return c.GPUID, true
	case KeySeed:
		return c.Seed, true
	}
	v, ok := c.Params[key]
	return v, ok
}

// Map flattens the config into a single mapping.
func (c Config) Map() map[string]any {
	m := make(map[string]any, len(c.Params)+len(reservedKeys))
	for k, v := range c.Params {
		m[k] = v
	}
	m[KeyScript] = c.Script
	m[KeyDataPath] = c.DataPath
	m[KeySavePath] = c.SavePath
	m[KeyTensorboard] = c.Tensorboard
	m[KeyResume] = c.Resume
	m[KeyValidate] = c.Validate
	m[KeyGPUID] = c.GPUID
	m[KeySeed] = c.Seed
	return m
}

// ParamNames returns the hyperparameter names in sorted order.
func (c Config) ParamNames() []string {
	names := make([]string, 0, len(c.Params))
	for k := range c.Params {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// ConfigFromMap splits a flat mapping into run options and hyperparameters.
func ConfigFromMap(m map[string]any) (Config, error) {
	c := Config{Params: make(map[string]any)}
	for k, v := range m {
		if !reservedKeys[k] {
			c.Params[k] = v
			continue
		}
		if v == nil {
			continue
		}
		var ok bool
		switch k {
		case KeyScript:
			c.Script, ok = v.(string)
		case KeyDataPath:
			c.DataPath, ok = v.(string)
		case KeySavePath:
			c.SavePath, ok = v.(string)
		case KeyTensorboard:
			c.Tensorboard, ok = v.(string)
		case KeyResume:
			c.Resume, ok = v.(bool)
		case KeyValidate:
			c.Validate, ok = v.(bool)
		case KeyGPUID:
			var n int64
			n, ok = AsInt(v)
			c.GPUID = int(n)
		case KeySeed:
			c.Seed, ok = AsInt(v)
		}
		if !ok {
			return Config{}, fmt.Errorf("config key %q: unexpected value %v (%T)", k, v, v)
		}
	}
	return c, nil
}

// MarshalJSON encodes the config as one flat object.
func (c Config) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Map())
}

// UnmarshalJSON decodes a flat object.
func (c *Config) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	parsed, err := ConfigFromMap(m)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// AsFloat converts any numeric value to float64.
func AsFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// AsInt converts integral numeric values to int64. Floats with a fractional
// part are rejected.
func AsInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	case float32:
		return AsInt(float64(n))
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}
