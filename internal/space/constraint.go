package space

import (
	"fmt"

	"github.com/bouthilx/protopt/internal/models"
	"gopkg.in/yaml.v3"
)

// Condition tests one configuration key.
type Condition struct {
	Key   string
	Op    string
	Value any
}

// Conditions is a conjunction. In YAML it is a mapping from key to either a
// scalar (equality, null matching a missing key), a sequence (membership)
// or a mapping of operators among gt, gte, lt, lte, ne and in.
type Conditions []Condition

// UnmarshalYAML decodes the mapping form described on Conditions.
func (cs *Conditions) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: conditions must be a mapping", node.Line)
	}
	var out Conditions
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		val := node.Content[i+1]
		switch val.Kind {
		case yaml.ScalarNode:
			c := Condition{Key: key, Op: "eq"}
			if val.Tag != "!!null" {
				if err := val.Decode(&c.Value); err != nil {
					return err
				}
			}
			out = append(out, c)
		case yaml.SequenceNode:
			var vs []any
			if err := val.Decode(&vs); err != nil {
				return err
			}
			out = append(out, Condition{Key: key, Op: "in", Value: vs})
		case yaml.MappingNode:
			for j := 0; j+1 < len(val.Content); j += 2 {
				op := val.Content[j].Value
				switch op {
				case "gt", "gte", "lt", "lte", "ne", "in", "eq":
				default:
					return fmt.Errorf("line %d: unknown operator %q on %s", val.Content[j].Line, op, key)
				}
				var v any
				if err := val.Content[j+1].Decode(&v); err != nil {
					return err
				}
				if op == "in" {
					if _, ok := v.([]any); !ok {
						return fmt.Errorf("line %d: in on %s needs a sequence", val.Line, key)
					}
				}
				out = append(out, Condition{Key: key, Op: op, Value: v})
			}
		default:
			return fmt.Errorf("line %d: unsupported condition on %s", val.Line, key)
		}
	}
	*cs = out
	return nil
}

// Holds reports whether every condition holds for cfg.
func (cs Conditions) Holds(cfg map[string]any) bool {
	for _, c := range cs {
		if !c.holds(cfg) {
			return false
		}
	}
	return true
}

func (c Condition) holds(cfg map[string]any) bool {
	v, ok := cfg[c.Key]
	switch c.Op {
	case "eq":
		if c.Value == nil {
			return !ok || v == nil
		}
		return ok && Equal(v, c.Value)
	case "ne":
		if c.Value == nil {
			return ok && v != nil
		}
		return !ok || !Equal(v, c.Value)
	case "in":
		vs, _ := c.Value.([]any)
		for _, e := range vs {
			if ok && Equal(v, e) {
				return true
			}
		}
		return false
	}
	if !ok {
		return false
	}
	cmp, ok := order(v, c.Value)
	if !ok {
		return false
	}
	switch c.Op {
	case "gt":
		return cmp > 0
	case "gte":
		return cmp >= 0
	case "lt":
		return cmp < 0
	case "lte":
		return cmp <= 0
	}
	return false
}

func order(a, b any) (int, bool) {
	fa, aok := models.AsFloat(a)
	fb, bok := models.AsFloat(b)
	if aok && bok {
		return compare(fa, fb), true
	}
	sa, aok := a.(string)
	sb, bok := b.(string)
	if aok && bok {
		return compare(sa, sb), true
	}
	return 0, false
}

// Constraint restricts the valid region of the space. With When and Require
// set, the Require conditions must hold whenever every When condition does.
// With Forbid set, a configuration matching every Forbid condition is
// invalid.
type Constraint struct {
	When    Conditions `yaml:"when"`
	Require Conditions `yaml:"require"`
	Forbid  Conditions `yaml:"forbid"`
}

// Satisfied reports whether cfg complies with the constraint.
func (c Constraint) Satisfied(cfg map[string]any) bool {
	if len(c.Forbid) > 0 && c.Forbid.Holds(cfg) {
		return false
	}
	if len(c.Require) > 0 && c.When.Holds(cfg) {
		return c.Require.Holds(cfg)
	}
	return true
}
