// Package plan defines the logical query plan document executed by the
// scheduler. A plan is an ordered list of steps; every step names the
// steps it reads from, which must appear earlier in the list.
package plan

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	tarerrors "github.com/tardb/tardb/internal/errors"
	"github.com/tardb/tardb/internal/query/aggregator"
	"github.com/tardb/tardb/internal/query/parser"
	"gopkg.in/yaml.v3"
)

// Step operations.
const (
	OpScan      = "scan"
	OpSelect    = "select"
	OpDerive    = "derive"
	OpCompare   = "compare"
	OpFilter    = "filter"
	OpSubset    = "subset"
	OpCrossJoin = "cross_join"
	OpDimJoin   = "dim_join"
	OpAggregate = "aggregate"
)

// Plan is a query plan document.
type Plan struct {
	// Name labels the query in logs
	Name string `json:"name" yaml:"name"`

	// Steps in dependency order
	Steps []Step `json:"steps" yaml:"steps"`

	// Output is the id of the result step; defaults to the last step
	Output string `json:"output,omitempty" yaml:"output,omitempty"`

	// Store saves the result as a new TAR with this name
	Store string `json:"store,omitempty" yaml:"store,omitempty"`
}

// Step is one operator of a plan. Only the fields of its Op are used.
type Step struct {
	ID string `json:"id" yaml:"id"`
	Op string `json:"op" yaml:"op"`

	// scan
	TAR string `json:"tar,omitempty" yaml:"tar,omitempty"`

	// single-input operators
	Input string `json:"input,omitempty" yaml:"input,omitempty"`

	// select
	Elements []string `json:"elements,omitempty" yaml:"elements,omitempty"`

	// derive (output attribute), filter (mask attribute)
	Attribute string `json:"attribute,omitempty" yaml:"attribute,omitempty"`

	// derive, compare
	Expr string `json:"expr,omitempty" yaml:"expr,omitempty"`

	// filter: a predicate over the input, or a step producing the mask
	Where string `json:"where,omitempty" yaml:"where,omitempty"`
	Mask  string `json:"mask,omitempty" yaml:"mask,omitempty"`

	// subset
	Ranges []RangeSpec `json:"ranges,omitempty" yaml:"ranges,omitempty"`

	// joins
	Left        string     `json:"left,omitempty" yaml:"left,omitempty"`
	Right       string     `json:"right,omitempty" yaml:"right,omitempty"`
	LeftPrefix  string     `json:"left_prefix,omitempty" yaml:"left_prefix,omitempty"`
	RightPrefix string     `json:"right_prefix,omitempty" yaml:"right_prefix,omitempty"`
	On          []JoinSpec `json:"on,omitempty" yaml:"on,omitempty"`

	// aggregate
	Functions []FunctionSpec `json:"functions,omitempty" yaml:"functions,omitempty"`
	GroupBy   []string       `json:"group_by,omitempty" yaml:"group_by,omitempty"`
	Mode      string         `json:"mode,omitempty" yaml:"mode,omitempty"`
}

// RangeSpec restricts a dimension to [Lower, Upper] in logical coordinates.
type RangeSpec struct {
	Dimension string  `json:"dimension" yaml:"dimension"`
	Lower     float64 `json:"lower" yaml:"lower"`
	Upper     float64 `json:"upper" yaml:"upper"`
}

// JoinSpec pairs a left and a right dimension of a dimension join.
type JoinSpec struct {
	Left  string `json:"left" yaml:"left"`
	Right string `json:"right" yaml:"right"`
}

// FunctionSpec is one aggregate function.
type FunctionSpec struct {
	Fn        string `json:"fn" yaml:"fn"`
	Attribute string `json:"attribute,omitempty" yaml:"attribute,omitempty"`
	Output    string `json:"output,omitempty" yaml:"output,omitempty"`
}

// Inputs returns the ids of the steps s reads from, in operator order.
func (s *Step) Inputs() []string {
	switch s.Op {
	case OpScan:
		return nil
	case OpCrossJoin, OpDimJoin:
		return []string{s.Left, s.Right}
	case OpFilter:
		if s.Mask != "" {
			return []string{s.Input, s.Mask}
		}
		return []string{s.Input}
	default:
		return []string{s.Input}
	}
}

// Load reads a plan from a YAML or JSON file.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plan: failed to read %s: %w", path, err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return Parse(data, "yaml")
	case ".json":
		return Parse(data, "json")
	default:
		return nil, fmt.Errorf("plan: unsupported file format: %s", ext)
	}
}

// Parse decodes and validates a plan document in the given format.
func Parse(data []byte, format string) (*Plan, error) {
	var p Plan
	switch format {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("plan: failed to parse YAML: %w", err)
		}
	case "json":
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("plan: failed to parse JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("plan: unsupported format: %s", format)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func invalid(format string, args ...interface{}) error {
	return tarerrors.Configf(tarerrors.CodeInvalidPlan, format, args...)
}

// Validate checks the structure of the plan: unique step ids, references
// to earlier steps only, the fields each operation needs and expression
// syntax. Schema checks happen when operators are built.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return invalid("plan %q has no steps", p.Name)
	}
	seen := make(map[string]bool, len(p.Steps))
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.ID == "" {
			return invalid("step %d has no id", i)
		}
		if seen[s.ID] {
			return invalid("duplicate step id %q", s.ID)
		}
		if err := s.validate(); err != nil {
			return err
		}
		for _, in := range s.Inputs() {
			if !seen[in] {
				return invalid("step %s reads %q, which is not an earlier step", s.ID, in)
			}
		}
		seen[s.ID] = true
	}
	if p.Output != "" && !seen[p.Output] {
		return invalid("output %q is not a step", p.Output)
	}
	return nil
}

func (s *Step) validate() error {
	need := func(field, value string) error {
		if value == "" {
			return invalid("step %s (%s) needs %s", s.ID, s.Op, field)
		}
		return nil
	}
	checkExpr := func(field, src string) error {
		if err := need(field, src); err != nil {
			return err
		}
		if _, err := parser.Parse(src); err != nil {
			return invalid("step %s: %s: %v", s.ID, field, err)
		}
		return nil
	}

	switch s.Op {
	case OpScan:
		return need("tar", s.TAR)
	case OpSelect:
		if len(s.Elements) == 0 {
			return invalid("step %s (select) needs elements", s.ID)
		}
		return need("input", s.Input)
	case OpDerive:
		if err := need("attribute", s.Attribute); err != nil {
			return err
		}
		if err := need("input", s.Input); err != nil {
			return err
		}
		return checkExpr("expr", s.Expr)
	case OpCompare:
		if err := need("input", s.Input); err != nil {
			return err
		}
		return checkExpr("expr", s.Expr)
	case OpFilter:
		if err := need("input", s.Input); err != nil {
			return err
		}
		if s.Where != "" && s.Mask != "" {
			return invalid("step %s (filter) takes either where or mask, not both", s.ID)
		}
		if s.Where != "" {
			return checkExpr("where", s.Where)
		}
		return nil
	case OpSubset:
		if len(s.Ranges) == 0 {
			return invalid("step %s (subset) needs ranges", s.ID)
		}
		for _, r := range s.Ranges {
			if r.Dimension == "" {
				return invalid("step %s (subset) has a range without dimension", s.ID)
			}
		}
		return need("input", s.Input)
	case OpCrossJoin, OpDimJoin:
		if err := need("left", s.Left); err != nil {
			return err
		}
		if err := need("right", s.Right); err != nil {
			return err
		}
		if s.Op == OpDimJoin && len(s.On) == 0 {
			return invalid("step %s (dim_join) needs on", s.ID)
		}
		return nil
	case OpAggregate:
		if len(s.Functions) == 0 {
			return invalid("step %s (aggregate) needs functions", s.ID)
		}
		for _, f := range s.Functions {
			if _, err := aggregator.ParseAggregateType(f.Fn); err != nil {
				return invalid("step %s: %v", s.ID, err)
			}
		}
		if _, err := aggregator.ParseMode(s.Mode); err != nil {
			return invalid("step %s: %v", s.ID, err)
		}
		return need("input", s.Input)
	default:
		return invalid("step %s has unknown op %q", s.ID, s.Op)
	}
}

// OutputStep returns the id of the result step.
func (p *Plan) OutputStep() string {
	if p.Output != "" {
		return p.Output
	}
	return p.Steps[len(p.Steps)-1].ID
}

// Consumers counts, for every step, how many operator inputs read it. The
// result step gets one extra reader for the scheduler draining it.
func (p *Plan) Consumers() map[string]int {
	n := make(map[string]int, len(p.Steps))
	for i := range p.Steps {
		for _, in := range p.Steps[i].Inputs() {
			n[in]++
		}
	}
	n[p.OutputStep()]++
	return n
}
