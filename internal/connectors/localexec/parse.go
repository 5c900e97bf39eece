package localexec

import (
	"strconv"
	"strings"
)

// Scalar is one metric value at an epoch.
type Scalar struct {
	Name  string
	Value float64
	Epoch float64
}

// Parser extracts scalars from the tab-separated progress table training
// scripts print on stderr. A header line such as "#n\ttrain_m\tvalid_acc"
// names the columns and every following row of numbers is
// "epoch\tvalue\tvalue...". A later header replaces the columns of the
// previous one; a resumed script prints its table again.
type Parser struct {
	columns []string
}

// Feed parses one line and returns the scalars it carries.
func (p *Parser) Feed(line string) []Scalar {
	line = strings.TrimSpace(strings.TrimPrefix(line, "INFO:root:"))
	if line == "" {
		return nil
	}
	fields := strings.Split(line, "\t")
	if strings.Contains(line, "train_m") && strings.TrimPrefix(fields[0], "#") == "n" {
		p.columns = append([]string(nil), fields[1:]...)
		return nil
	}
	if strings.HasPrefix(line, "#") || len(p.columns) == 0 {
		return nil
	}

	values := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil
		}
		values[i] = v
	}
	epoch := values[0]
	var out []Scalar
	for i, name := range p.columns {
		if i+1 >= len(values) {
			break
		}
		out = append(out, Scalar{Name: name, Value: values[i+1], Epoch: epoch})
	}
	return out
}
