// Package outputresolver substitutes {{steps.<index>.<path>}} references in
// step parameters with results of earlier steps.
package outputresolver

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/PaesslerAG/jsonpath"
	"github.com/contenox/planengine/planstore"
)

var (
	ErrMalformedReference = errors.New("malformed output reference")
	ErrStepNotCompleted   = errors.New("referenced step has not completed")
	ErrPathNotFound       = errors.New("referenced path not found in step result")
	ErrNotEarlierStep     = errors.New("reference must point to an earlier step")
	ErrNotDependency      = errors.New("referenced step is not a declared dependency")
)

var (
	placeholder = regexp.MustCompile(`\{\{\s*(.*?)\s*\}\}`)
	identifier  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Reference is one parsed {{steps.N.path}} placeholder.
type Reference struct {
	Raw       string
	StepIndex int
	Path      []string
}

// ReferenceError ties a failure to the parameter that carried it.
type ReferenceError struct {
	Param     string
	Reference string
	Err       error
	Detail    string
}

func (e *ReferenceError) Error() string {
	msg := fmt.Sprintf("param %s: %s: %v", e.Param, e.Reference, e.Err)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

func (e *ReferenceError) Unwrap() error { return e.Err }

type Resolution struct {
	Success        bool           `json:"success"`
	ResolvedParams map[string]any `json:"resolvedParams,omitempty"`
	Errors         []error        `json:"-"`
}

type Resolver struct{}

func New() *Resolver {
	return &Resolver{}
}

// ResolveStepOutputs resolves every reference in step.Params against the
// results of completed steps in plan.
func (r *Resolver) ResolveStepOutputs(step *planstore.Step, plan *planstore.Plan) Resolution {
	byIndex := make(map[int]*planstore.Step, len(plan.Steps))
	for _, s := range plan.Steps {
		byIndex[s.Index] = s
	}
	res := Resolution{ResolvedParams: make(map[string]any, len(step.Params))}
	for _, key := range sortedKeys(step.Params) {
		v, errs := resolveValue(key, step.Params[key], byIndex)
		res.ResolvedParams[key] = v
		res.Errors = append(res.Errors, errs...)
	}
	res.Success = len(res.Errors) == 0
	if !res.Success {
		res.ResolvedParams = nil
	}
	return res
}

// ValidateOutputReferences checks the shape of every reference in step.Params
// and that each points to an earlier step the step depends on.
func (r *Resolver) ValidateOutputReferences(step *planstore.Step, plan *planstore.Plan) []error {
	deps := make(map[int]bool, len(step.DependencyIndices))
	for _, d := range step.DependencyIndices {
		deps[d] = true
	}
	var errs []error
	for _, key := range sortedKeys(step.Params) {
		walkStrings(key, step.Params[key], func(param, s string) {
			for _, m := range placeholder.FindAllStringSubmatch(s, -1) {
				if !isStepsReference(m[1]) {
					continue
				}
				ref, err := parseReference(m[0], m[1])
				if err != nil {
					errs = append(errs, &ReferenceError{Param: param, Reference: m[0], Err: err})
					continue
				}
				if ref.StepIndex >= step.Index || ref.StepIndex >= len(plan.Steps) {
					errs = append(errs, &ReferenceError{Param: param, Reference: m[0], Err: ErrNotEarlierStep})
					continue
				}
				if !deps[ref.StepIndex] {
					errs = append(errs, &ReferenceError{Param: param, Reference: m[0], Err: ErrNotDependency})
				}
			}
		})
	}
	return errs
}

// HasReferences reports whether any parameter value carries a step reference.
func HasReferences(params map[string]any) bool {
	found := false
	for key, v := range params {
		walkStrings(key, v, func(_, s string) {
			for _, m := range placeholder.FindAllStringSubmatch(s, -1) {
				if isStepsReference(m[1]) {
					found = true
				}
			}
		})
	}
	return found
}

func isStepsReference(inner string) bool {
	return inner == "steps" || strings.HasPrefix(inner, "steps.")
}

func parseReference(raw, inner string) (Reference, error) {
	parts := strings.Split(inner, ".")
	if len(parts) < 2 || parts[0] != "steps" {
		return Reference{}, ErrMalformedReference
	}
	idx, err := strconv.Atoi(parts[1])
	if err != nil || idx < 0 {
		return Reference{}, ErrMalformedReference
	}
	for _, seg := range parts[2:] {
		if !identifier.MatchString(seg) && !isIndex(seg) {
			return Reference{}, ErrMalformedReference
		}
	}
	return Reference{Raw: raw, StepIndex: idx, Path: parts[2:]}, nil
}

func isIndex(seg string) bool {
	n, err := strconv.Atoi(seg)
	return err == nil && n >= 0 && strconv.Itoa(n) == seg
}

func resolveValue(param string, v any, steps map[int]*planstore.Step) (any, []error) {
	switch v := v.(type) {
	case string:
		return resolveString(param, v, steps)
	case map[string]any:
		out := make(map[string]any, len(v))
		var errs []error
		for _, k := range sortedKeys(v) {
			rv, e := resolveValue(param+"."+k, v[k], steps)
			out[k] = rv
			errs = append(errs, e...)
		}
		return out, errs
	case []any:
		out := make([]any, len(v))
		var errs []error
		for i, item := range v {
			rv, e := resolveValue(fmt.Sprintf("%s[%d]", param, i), item, steps)
			out[i] = rv
			errs = append(errs, e...)
		}
		return out, errs
	}
	return v, nil
}

func resolveString(param, s string, steps map[int]*planstore.Step) (any, []error) {
	matches := placeholder.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}
	// A value that is exactly one reference keeps the referenced type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		inner := s[matches[0][2]:matches[0][3]]
		if !isStepsReference(inner) {
			return s, nil
		}
		v, err := lookup(param, s, inner, steps)
		if err != nil {
			return nil, []error{err}
		}
		return v, nil
	}

	var b strings.Builder
	var errs []error
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		last = m[1]
		raw := s[m[0]:m[1]]
		inner := s[m[2]:m[3]]
		if !isStepsReference(inner) {
			b.WriteString(raw)
			continue
		}
		v, err := lookup(param, raw, inner, steps)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		b.WriteString(stringify(v))
	}
	b.WriteString(s[last:])
	return b.String(), errs
}

func lookup(param, raw, inner string, steps map[int]*planstore.Step) (any, error) {
	ref, err := parseReference(raw, inner)
	if err != nil {
		return nil, &ReferenceError{Param: param, Reference: raw, Err: err}
	}
	step, ok := steps[ref.StepIndex]
	if !ok || step.Status != planstore.StepStatusCompleted {
		return nil, &ReferenceError{Param: param, Reference: raw, Err: ErrStepNotCompleted}
	}
	if len(ref.Path) == 0 {
		return step.Result, nil
	}
	doc, err := normalize(step.Result)
	if err != nil {
		return nil, &ReferenceError{Param: param, Reference: raw, Err: ErrPathNotFound, Detail: err.Error()}
	}
	v, err := jsonpath.Get(toJSONPath(ref.Path), doc)
	if err != nil {
		return nil, &ReferenceError{Param: param, Reference: raw, Err: ErrPathNotFound, Detail: err.Error()}
	}
	return v, nil
}

func toJSONPath(path []string) string {
	var b strings.Builder
	b.WriteString("$")
	for _, seg := range path {
		if isIndex(seg) {
			b.WriteString("[" + seg + "]")
			continue
		}
		b.WriteString("." + seg)
	}
	return b.String()
}

func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func stringify(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case nil:
		return "null"
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}

func walkStrings(path string, v any, fn func(param, s string)) {
	switch v := v.(type) {
	case string:
		fn(path, v)
	case map[string]any:
		for k, item := range v {
			walkStrings(path+"."+k, item, fn)
		}
	case []any:
		for i, item := range v {
			walkStrings(fmt.Sprintf("%s[%d]", path, i), item, fn)
		}
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
