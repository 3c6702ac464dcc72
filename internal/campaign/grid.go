package campaign

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/kiranshivaraju/simcamp/internal/store"
	"github.com/kiranshivaraju/simcamp/pkg/models"
	"gopkg.in/yaml.v3"
)

const (
	// maxAxisValues bounds a single range expansion.
	maxAxisValues = 1_000_000
	// maxRangeDecimals bounds the fixed-point scale of a range.
	maxRangeDecimals = 9
	// maxRangeScaled is the largest scaled magnitude a float64 holds exactly.
	maxRangeScaled = 1 << 53
)

// Axis is one named parameter and its values, in declaration order.
type Axis struct {
	Name   string
	Values []string
}

// ParameterGrid is an ordered set of axes. Job variants are its cartesian
// product with the first axis varying slowest.
type ParameterGrid []Axis

// UnmarshalYAML keeps the mapping order of the parameters block. Each
// value is a scalar, a list of scalars or {range: [start, stop, step]}
// with stop excluded.
func (g *ParameterGrid) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: parameters must be a mapping", node.Line)
	}
	grid := make(ParameterGrid, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		values, err := axisValues(val)
		if err != nil {
			return fmt.Errorf("line %d: parameter %q: %w", val.Line, key.Value, err)
		}
		if len(values) == 0 {
			return fmt.Errorf("line %d: parameter %q has no values", val.Line, key.Value)
		}
		grid = append(grid, Axis{Name: key.Value, Values: values})
	}
	*g = grid
	return nil
}

func axisValues(node *yaml.Node) ([]string, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		return []string{node.Value}, nil
	case yaml.SequenceNode:
		values := make([]string, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("list items must be scalars")
			}
			values = append(values, item.Value)
		}
		return values, nil
	case yaml.MappingNode:
		var spec struct {
			Range []string `yaml:"range"`
		}
		if err := node.Decode(&spec); err != nil {
			return nil, err
		}
		if len(spec.Range) != 3 {
			return nil, fmt.Errorf("range needs [start, stop, step]")
		}
		return expandRange(spec.Range[0], spec.Range[1], spec.Range[2])
	default:
		return nil, fmt.Errorf("unsupported value")
	}
}

// expandRange steps from start towards stop in fixed-point arithmetic so
// decimal steps do not accumulate float error.
func expandRange(start, stop, step string) ([]string, error) {
	dec := max(decimals(start), decimals(stop), decimals(step), 0)
	if dec > maxRangeDecimals {
		return nil, fmt.Errorf("range has more than %d decimal places", maxRangeDecimals)
	}
	scale := math.Pow10(dec)

	parse := func(s string) (int64, error) {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, fmt.Errorf("range value %q is not a number", s)
		}
		scaled := math.Round(f * scale)
		if math.IsNaN(scaled) || math.Abs(scaled) > maxRangeScaled {
			return 0, fmt.Errorf("range value %q is out of range", s)
		}
		return int64(scaled), nil
	}
	lo, err := parse(start)
	if err != nil {
		return nil, err
	}
	hi, err := parse(stop)
	if err != nil {
		return nil, err
	}
	st, err := parse(step)
	if err != nil {
		return nil, err
	}
	if st <= 0 {
		return nil, fmt.Errorf("range step must be positive")
	}
	if hi > lo && (hi-lo)/st > maxAxisValues {
		return nil, fmt.Errorf("range expands to more than %d values", maxAxisValues)
	}

	var values []string
	for v := lo; v < hi; v += st {
		if dec == 0 {
			values = append(values, strconv.FormatInt(v, 10))
		} else {
			values = append(values, strconv.FormatFloat(float64(v)/scale, 'f', dec, 64))
		}
	}
	return values, nil
}

// decimals counts the fractional digits of s, including those an
// exponent shifts in. Negative means s is a multiple of a power of ten.
func decimals(s string) int {
	s = strings.TrimSpace(s)
	exp := 0
	if i := strings.IndexAny(s, "eE"); i >= 0 {
		exp, _ = strconv.Atoi(s[i+1:])
		s = s[:i]
	}
	frac := 0
	if i := strings.IndexByte(s, '.'); i >= 0 {
		frac = len(s) - i - 1
	}
	return frac - exp
}

// Size returns the number of combinations in the grid.
func (g ParameterGrid) Size() int {
	n := 1
	for _, a := range g {
		n *= len(a.Values)
	}
	return n
}

// Expand returns every combination as an ordered parameter list, prefixed
// with base.
func (g ParameterGrid) Expand(base models.Params) []models.Params {
	out := []models.Params{base}
	for _, axis := range g {
		next := make([]models.Params, 0, len(out)*len(axis.Values))
		for _, p := range out {
			for _, v := range axis.Values {
				next = append(next, p.With(axis.Name, v))
			}
		}
		out = next
	}
	return out
}

// Columns is the ordered column list of the results table.
type Columns []store.Column

// UnmarshalYAML reads a name: type mapping in declaration order.
func (c *Columns) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: columns must be a mapping of name to type", node.Line)
	}
	cols := make(Columns, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		name, typ := node.Content[i].Value, node.Content[i+1].Value
		if !store.ValidIdentifier(name) {
			return fmt.Errorf("line %d: invalid column name %q", node.Content[i].Line, name)
		}
		t, err := store.ParseColumnType(typ)
		if err != nil {
			return fmt.Errorf("line %d: column %q: %w", node.Content[i+1].Line, name, err)
		}
		cols = append(cols, store.Column{Name: name, Type: t})
	}
	*c = cols
	return nil
}
