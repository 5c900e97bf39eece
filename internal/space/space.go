package space

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/bouthilx/protopt/internal/models"
	"gopkg.in/yaml.v3"
)

// Point is a vector of hyperparameter values in the order of
// Space.Dimensions.
type Point []any

// Key returns an exact identity for the point. Floats are compared bit for
// bit, so values that differ by rounding noise get different keys.
func (p Point) Key() string {
	var b strings.Builder
	for i, v := range p {
		if i > 0 {
			b.WriteByte(0x1f)
		}
		switch x := v.(type) {
		case float64:
			b.WriteString("f" + strconv.FormatUint(math.Float64bits(x), 16))
		case int64:
			b.WriteString("i" + strconv.FormatInt(x, 10))
		case int:
			b.WriteString("i" + strconv.Itoa(x))
		case string:
			b.WriteString("s" + strconv.Quote(x))
		default:
			fmt.Fprintf(&b, "%T:%v", v, v)
		}
	}
	return b.String()
}

// Validator is an extra validity predicate over a full configuration.
type Validator func(cfg map[string]any) bool

// Option customizes a Space.
type Option func(*Space) error

// WithModel restricts the searched dimensions to the base list plus those
// declared for model.
func WithModel(model string) Option {
	return func(s *Space) error {
		s.model = model
		return nil
	}
}

// WithProfiles activates profiles by name.
func WithProfiles(names ...string) Option {
	return func(s *Space) error {
		s.active = append(s.active, names...)
		return nil
	}
}

// WithForcedOptions pins run options, such as gpu_id, on every
// configuration the space produces.
func WithForcedOptions(opts map[string]any) Option {
	return func(s *Space) error {
		for k, v := range opts {
			s.forced[k] = v
		}
		return nil
	}
}

// WithValidator adds a validity predicate evaluated after constraints.
func WithValidator(v Validator) Option {
	return func(s *Space) error {
		s.validators = append(s.validators, v)
		return nil
	}
}

// Space is an immutable description of where to search.
type Space struct {
	defaults    map[string]any
	all         []*Dimension
	base        []string
	models      map[string][]string
	profiles    map[string]map[string]any
	constraints []Constraint

	model      string
	active     []string
	forced     map[string]any
	validators []Validator

	dims []*Dimension
}

type fileSpec struct {
	Defaults    map[string]any            `yaml:"defaults"`
	Dimensions  []dimensionSpec           `yaml:"dimensions"`
	Base        []string                  `yaml:"base"`
	Models      map[string][]string       `yaml:"models"`
	Profiles    map[string]map[string]any `yaml:"profiles"`
	Constraints []Constraint              `yaml:"constraints"`
}

type dimensionSpec struct {
	Name       string  `yaml:"name"`
	Type       string  `yaml:"type"`
	Low        float64 `yaml:"low"`
	High       float64 `yaml:"high"`
	Prior      string  `yaml:"prior"`
	Categories []any   `yaml:"categories"`
}

// Load reads a space from a YAML file.
func Load(path string, opts ...Option) (*Space, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read space: %w", err)
	}
	return Parse(data, opts...)
}

// Parse decodes a space from YAML.
func Parse(data []byte, opts ...Option) (*Space, error) {
	var spec fileSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse space: %w", err)
	}
	dims := make([]Dimension, len(spec.Dimensions))
	for i, d := range spec.Dimensions {
		dims[i] = Dimension{
			Name:       d.Name,
			Kind:       Kind(d.Type),
			Low:        d.Low,
			High:       d.High,
			Prior:      Prior(d.Prior),
			Categories: d.Categories,
		}
	}
	s := &Space{
		defaults:    spec.Defaults,
		base:        spec.Base,
		models:      spec.Models,
		profiles:    spec.Profiles,
		constraints: spec.Constraints,
	}
	return s.init(dims, opts)
}

// New builds a space programmatically from dimensions and defaults.
func New(dims []Dimension, defaults map[string]any, opts ...Option) (*Space, error) {
	s := &Space{defaults: defaults}
	return s.init(dims, opts)
}

// WithProfileTable declares the profiles a programmatic space knows about.
func WithProfileTable(profiles map[string]map[string]any) Option {
	return func(s *Space) error {
		s.profiles = profiles
		return nil
	}
}

// WithConstraints declares constraints on a programmatic space.
func WithConstraints(cs ...Constraint) Option {
	return func(s *Space) error {
		s.constraints = append(s.constraints, cs...)
		return nil
	}
}

func (s *Space) init(dims []Dimension, opts []Option) (*Space, error) {
	// Trials train with a validation split unless the defaults say otherwise.
	defaults := make(map[string]any, len(s.defaults)+1)
	for k, v := range s.defaults {
		defaults[k] = v
	}
	if _, ok := defaults[models.KeyValidate]; !ok {
		defaults[models.KeyValidate] = true
	}
	s.defaults = defaults
	s.forced = map[string]any{}

	seen := make(map[string]bool, len(dims))
	for i := range dims {
		d := dims[i]
		if d.Name == "" {
			return nil, fmt.Errorf("dimension %d has no name", i)
		}
		if models.IsReserved(d.Name) {
			return nil, fmt.Errorf("dimension %s: name is a reserved run option", d.Name)
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("dimension %s declared twice", d.Name)
		}
		seen[d.Name] = true
		if err := d.check(); err != nil {
			return nil, err
		}
		s.all = append(s.all, &d)
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.model != "" && len(s.models) > 0 {
		if _, ok := s.models[s.model]; !ok {
			return nil, fmt.Errorf("unknown model %q", s.model)
		}
	}
	for _, name := range s.active {
		if _, ok := s.profiles[name]; !ok {
			return nil, fmt.Errorf("unknown profile %q", name)
		}
	}
	sort.Strings(s.active)

	s.dims = s.searched()
	return s, nil
}

func (s *Space) searched() []*Dimension {
	var selected map[string]bool
	if len(s.base) > 0 || len(s.models) > 0 {
		selected = map[string]bool{}
		for _, n := range s.base {
			selected[n] = true
		}
		for _, n := range s.models[s.model] {
			selected[n] = true
		}
	}
	pinned := s.ProfileValues()

	var out []*Dimension
	for _, d := range s.all {
		if selected != nil && !selected[d.Name] {
			continue
		}
		if _, ok := pinned[d.Name]; ok {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Dimensions returns the searched dimensions in vector order.
func (s *Space) Dimensions() []*Dimension {
	return s.dims
}

// Names returns the searched dimension names in vector order.
func (s *Space) Names() []string {
	names := make([]string, len(s.dims))
	for i, d := range s.dims {
		names[i] = d.Name
	}
	return names
}

// Model is the selected model, if any.
func (s *Space) Model() string {
	return s.model
}

// Profiles returns the active profile names, sorted.
func (s *Space) Profiles() []string {
	return append([]string(nil), s.active...)
}

// ProfileValues merges the hyperparameters pinned by the active profiles.
func (s *Space) ProfileValues() map[string]any {
	out := map[string]any{}
	for _, name := range s.active {
		for k, v := range s.profiles[name] {
			out[k] = v
		}
	}
	return out
}

// Has reports whether name is declared as a dimension, searched or not.
func (s *Space) Has(name string) bool {
	for _, d := range s.all {
		if d.Name == name {
			return true
		}
	}
	return false
}

// Default is the configuration of the defaults with forced options and
// profile values applied.
func (s *Space) Default() (models.Config, error) {
	return s.build(nil)
}

// ToConfig expands a point into a full configuration.
func (s *Space) ToConfig(p Point) (models.Config, error) {
	if len(p) != len(s.dims) {
		return models.Config{}, fmt.Errorf("point has %d values for %d dimensions", len(p), len(s.dims))
	}
	return s.build(p)
}

func (s *Space) build(p Point) (models.Config, error) {
	m := make(map[string]any, len(s.defaults)+len(p))
	for k, v := range s.defaults {
		m[k] = v
	}
	for i, v := range p {
		m[s.dims[i].Name] = v
	}
	for k, v := range s.forced {
		m[k] = v
	}
	for k, v := range s.ProfileValues() {
		m[k] = v
	}
	return models.ConfigFromMap(m)
}

// ToPoint projects a configuration onto the searched dimensions, filling
// missing values from the defaults.
func (s *Space) ToPoint(cfg models.Config) (Point, error) {
	p := make(Point, len(s.dims))
	for i, d := range s.dims {
		v, ok := cfg.Get(d.Name)
		if !ok {
			v, ok = s.defaults[d.Name]
		}
		if !ok {
			return nil, fmt.Errorf("config has no value for %s", d.Name)
		}
		c, err := d.Coerce(v)
		if err != nil {
			return nil, err
		}
		p[i] = c
	}
	return p, nil
}

// Contains reports whether every value of p lies inside its dimension.
func (s *Space) Contains(p Point) bool {
	if len(p) != len(s.dims) {
		return false
	}
	for i, d := range s.dims {
		if !d.Contains(p[i]) {
			return false
		}
	}
	return true
}

// IsValid is the validity predicate: p lies in the space and its
// configuration satisfies every constraint and validator.
func (s *Space) IsValid(p Point) bool {
	if !s.Contains(p) {
		return false
	}
	cfg, err := s.ToConfig(p)
	if err != nil {
		return false
	}
	m := cfg.Map()
	for _, c := range s.constraints {
		if !c.Satisfied(m) {
			return false
		}
	}
	for _, v := range s.validators {
		if !v(m) {
			return false
		}
	}
	return true
}

// Validate checks that a stored configuration belongs to this space: the
// active profile values match and the searched values are in bounds.
func (s *Space) Validate(cfg models.Config) error {
	for k, want := range s.ProfileValues() {
		got, ok := cfg.Get(k)
		if !ok || !Equal(got, want) {
			return fmt.Errorf("%s is %v, profile requires %v", k, got, want)
		}
	}
	p, err := s.ToPoint(cfg)
	if err != nil {
		return err
	}
	if !s.Contains(p) {
		return fmt.Errorf("config %v lies outside the space", p)
	}
	return nil
}

// Sample draws n points uniformly from the priors, without filtering.
func (s *Space) Sample(rng *rand.Rand, n int) []Point {
	out := make([]Point, n)
	for i := range out {
		p := make(Point, len(s.dims))
		for j, d := range s.dims {
			p[j] = d.Sample(rng)
		}
		out[i] = p
	}
	return out
}

// Transform maps p onto the unit hypercube.
func (s *Space) Transform(p Point) []float64 {
	var out []float64
	for i, d := range s.dims {
		out = append(out, d.Transform(p[i])...)
	}
	return out
}
