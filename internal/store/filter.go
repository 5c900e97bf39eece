package store

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bouthilx/protopt/internal/models"
)

// Op is a relational operator of the query vocabulary.
type Op string

const (
	OpEq     Op = "$eq"
	OpIn     Op = "$in"
	OpGte    Op = "$gte"
	OpLte    Op = "$lte"
	OpExists Op = "$exists"
)

// Cond is one condition over a dotted document path, such as status,
// experiment.name, config.<hyperparameter> or host.cluster.
type Cond struct {
	Path  string
	Op    Op
	Value any
}

func Eq(path string, v any) Cond { return Cond{Path: path, Op: OpEq, Value: v} }
func Gte(path string, v any) Cond { return Cond{Path: path, Op: OpGte, Value: v} }
func Lte(path string, v any) Cond { return Cond{Path: path, Op: OpLte, Value: v} }
func Exists(path string, b bool) Cond { return Cond{Path: path, Op: OpExists, Value: b} }
func In(path string, vs ...any) Cond { return Cond{Path: path, Op: OpIn, Value: vs} }

// StatusIn matches trials whose status is one of statuses.
func StatusIn(statuses ...models.TrialStatus) Cond {
	vs := make([]any, len(statuses))
	for i, s := range statuses {
		vs[i] = string(s)
	}
	return In("status", vs...)
}

// Filter is a conjunction of conditions plus an optional top-level
// disjunction of conjunctions.
type Filter struct {
	All   []Cond
	AnyOf [][]Cond
}

// Where builds a filter from a conjunction of conditions.
func Where(conds ...Cond) Filter {
	return Filter{All: conds}
}

// And returns a copy of f with conds appended to the conjunction.
func (f Filter) And(conds ...Cond) Filter {
	out := Filter{
		All:   append(append([]Cond(nil), f.All...), conds...),
		AnyOf: f.AnyOf,
	}
	return out
}

// Or returns a copy of f whose disjunction is replaced by branches.
func (f Filter) Or(branches ...[]Cond) Filter {
	return Filter{All: f.All, AnyOf: branches}
}

// ByID matches a single trial.
func ByID(id string) Filter {
	return Where(Eq("id", id))
}

var pathPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z0-9_]+)*$`)

// ValidatePath rejects paths that are not plain dotted identifiers.
func ValidatePath(path string) error {
	if !pathPattern.MatchString(path) {
		return fmt.Errorf("invalid filter path %q", path)
	}
	return nil
}

// --- SQLite rendering ---

// sqlField maps a document path to a column or JSON expression. The second
// return value is the JSON existence expression for nested paths.
func sqlField(path string) (expr, exists string, err error) {
	if err := ValidatePath(path); err != nil {
		return "", "", err
	}
	switch path {
	case "id", "status", "created_at", "updated_at":
		return path, path + " IS NOT NULL", nil
	case "experiment.name", "experiment":
		return "experiment", "experiment IS NOT NULL", nil
	case "config", "host":
		return path, path + " IS NOT NULL", nil
	}
	head, rest, ok := strings.Cut(path, ".")
	if !ok || (head != "config" && head != "host") {
		return "", "", fmt.Errorf("unsupported filter path %q", path)
	}
	jsonPath := "$." + rest
	return fmt.Sprintf("json_extract(%s, '%s')", head, jsonPath),
		fmt.Sprintf("json_type(%s, '%s') IS NOT NULL", head, jsonPath), nil
}

func sqlValue(v any) any {
	switch x := v.(type) {
	case bool:
		if x {
			return 1
		}
		return 0
	case models.TrialStatus:
		return string(x)
	case int:
		return int64(x)
	}
	return v
}

func sqlCond(c Cond) (string, []any, error) {
	expr, exists, err := sqlField(c.Path)
	if err != nil {
		return "", nil, err
	}
	switch c.Op {
	case OpEq:
		if c.Value == nil {
			return expr + " IS NULL", nil, nil
		}
		return expr + " = ?", []any{sqlValue(c.Value)}, nil
	case OpGte:
		return expr + " >= ?", []any{sqlValue(c.Value)}, nil
	case OpLte:
		return expr + " <= ?", []any{sqlValue(c.Value)}, nil
	case OpIn:
		vs, _ := c.Value.([]any)
		if len(vs) == 0 {
			return "0", nil, nil
		}
		args := make([]any, len(vs))
		for i, v := range vs {
			args[i] = sqlValue(v)
		}
		return expr + " IN (" + strings.TrimSuffix(strings.Repeat("?, ", len(vs)), ", ") + ")", args, nil
	case OpExists:
		want, _ := c.Value.(bool)
		if want {
			return exists, nil, nil
		}
		return "NOT (" + exists + ")", nil, nil
	}
	return "", nil, fmt.Errorf("unsupported operator %s", c.Op)
}

func sqlConj(conds []Cond) (string, []any, error) {
	if len(conds) == 0 {
		return "1", nil, nil
	}
	parts := make([]string, 0, len(conds))
	var args []any
	for _, c := range conds {
		part, a, err := sqlCond(c)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, part)
		args = append(args, a...)
	}
	return strings.Join(parts, " AND "), args, nil
}

// sqlWhere renders f as a WHERE clause body with positional arguments.
func sqlWhere(f Filter) (string, []any, error) {
	where, args, err := sqlConj(f.All)
	if err != nil {
		return "", nil, err
	}
	if len(f.AnyOf) == 0 {
		return where, args, nil
	}
	branches := make([]string, 0, len(f.AnyOf))
	for _, b := range f.AnyOf {
		part, a, err := sqlConj(b)
		if err != nil {
			return "", nil, err
		}
		branches = append(branches, "("+part+")")
		args = append(args, a...)
	}
	return "(" + where + ") AND (" + strings.Join(branches, " OR ") + ")", args, nil
}
