// Package toolregistry describes the tools a plan may call: their risk, whether
// they need a human decision, and the JSON schema their parameters must meet.
package toolregistry

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
)

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank orders risk levels; unknown levels rank as medium.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	}
	return 1
}

type Definition struct {
	Name              string           `json:"name" yaml:"name"`
	Description       string           `json:"description" yaml:"description"`
	Category          string           `json:"category" yaml:"category"`
	RiskLevel         RiskLevel        `json:"riskLevel" yaml:"riskLevel"`
	RequiresApproval  bool             `json:"requiresApproval" yaml:"requiresApproval"`
	Parameters        *openapi3.Schema `json:"parameters,omitempty" yaml:"-"`
	EstimatedDuration time.Duration    `json:"estimatedDuration" yaml:"estimatedDuration"`
}

type Registry interface {
	Get(name string) (*Definition, bool)
	List() []*Definition
}

var (
	ErrDuplicateTool = errors.New("tool already registered")
	ErrInvalidTool   = errors.New("invalid tool definition")
)

type MemoryRegistry struct {
	mu    sync.RWMutex
	tools map[string]*Definition
}

// NewMemoryRegistry panics if defs contain duplicates or unnamed tools; use
// Register to handle those as errors.
func NewMemoryRegistry(defs ...*Definition) *MemoryRegistry {
	r := &MemoryRegistry{tools: make(map[string]*Definition)}
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
	return r
}

func (r *MemoryRegistry) Register(def *Definition) error {
	if def == nil || strings.TrimSpace(def.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTool)
	}
	if def.RiskLevel == "" {
		def.RiskLevel = RiskLow
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[def.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, def.Name)
	}
	r.tools[def.Name] = def
	return nil
}

func (r *MemoryRegistry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	return d, ok
}

// List returns definitions sorted by name.
func (r *MemoryRegistry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.tools))
	for _, d := range r.tools {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

var _ Registry = (*MemoryRegistry)(nil)

// ParamError is one schema violation. Field is a dotted path into the params;
// empty means the params object itself.
type ParamError struct {
	Field    string `json:"field"`
	Expected string `json:"expected,omitempty"`
	Received string `json:"received,omitempty"`
	Message  string `json:"message"`
}

func (e ParamError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// ValidateParams checks params against def.Parameters and returns every
// violation found. Tools without a schema accept anything.
func ValidateParams(def *Definition, params map[string]any) []ParamError {
	if def == nil || def.Parameters == nil {
		return nil
	}
	normalized, err := normalize(params)
	if err != nil {
		return []ParamError{{Message: fmt.Sprintf("parameters are not JSON encodable: %v", err)}}
	}
	err = def.Parameters.VisitJSON(normalized, openapi3.MultiErrors())
	if err == nil {
		return nil
	}
	var out []ParamError
	collectSchemaErrors(err, &out)
	return out
}

// normalize round-trips params through JSON so Go ints and structs become the
// float64 and map values the schema visitor understands.
func normalize(params map[string]any) (any, error) {
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func collectSchemaErrors(err error, out *[]ParamError) {
	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		for _, e := range multi {
			collectSchemaErrors(e, out)
		}
		return
	}
	var se *openapi3.SchemaError
	if errors.As(err, &se) {
		if se.Origin != nil {
			var nested openapi3.MultiError
			if errors.As(se.Origin, &nested) {
				collectSchemaErrors(nested, out)
				return
			}
		}
		received := describeValue(se.Value)
		if se.SchemaField == "required" {
			received = "missing"
		}
		*out = append(*out, ParamError{
			Field:    strings.Join(se.JSONPointer(), "."),
			Expected: expectedOf(se),
			Received: received,
			Message:  se.Reason,
		})
		return
	}
	*out = append(*out, ParamError{Message: err.Error()})
}

func expectedOf(se *openapi3.SchemaError) string {
	if se.Schema == nil {
		return se.SchemaField
	}
	switch se.SchemaField {
	case "required":
		return "present"
	case "type":
		if se.Schema.Type != nil {
			return strings.Join(se.Schema.Type.Slice(), "|")
		}
	case "enum":
		return fmt.Sprintf("one of %v", se.Schema.Enum)
	}
	return se.SchemaField
}

func describeValue(v any) string {
	switch v := v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
