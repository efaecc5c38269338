package planrollback

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/contenox/planengine/outputresolver"
	"github.com/contenox/planengine/planstore"
)

// MaxTemplateDepth is the longest accepted path, root segment included.
const MaxTemplateDepth = 5

var (
	ErrInvalidTemplate = errors.New("invalid rollback template")
	ErrPathNotFound    = errors.New("rollback template path not found")
)

var (
	templateRe   = regexp.MustCompile(`\{\{\s*([^{}]*?)\s*\}\}`)
	identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	numericRe    = regexp.MustCompile(`^[0-9]+$`)
)

var forbiddenSegments = []string{"__proto__", "constructor", "prototype"}

// ValidateTemplate checks the expression inside {{ }}: root result or
// params, at most MaxTemplateDepth segments, identifier or numeric segments,
// and none of the reserved object names in any case.
func ValidateTemplate(expr string) error {
	segments := strings.Split(strings.TrimSpace(expr), ".")
	if root := segments[0]; root != "result" && root != "params" {
		return fmt.Errorf("%w: %q: root must be result or params", ErrInvalidTemplate, expr)
	}
	if len(segments) > MaxTemplateDepth {
		return fmt.Errorf("%w: %q: depth %d exceeds %d", ErrInvalidTemplate, expr, len(segments), MaxTemplateDepth)
	}
	for _, seg := range segments[1:] {
		for _, f := range forbiddenSegments {
			if strings.EqualFold(seg, f) {
				return fmt.Errorf("%w: %q: segment %q is not allowed", ErrInvalidTemplate, expr, seg)
			}
		}
		if numericRe.MatchString(seg) {
			continue
		}
		if !identifierRe.MatchString(seg) {
			return fmt.Errorf("%w: %q: bad segment %q", ErrInvalidTemplate, expr, seg)
		}
	}
	return nil
}

// Templates returns every {{ }} expression found in params, sorted.
func Templates(params map[string]any) []string {
	var out []string
	normalized, err := decode(params)
	if err != nil {
		normalized = params
	}
	walk(normalized, func(s string) {
		for _, m := range templateRe.FindAllStringSubmatch(s, -1) {
			out = append(out, m[1])
		}
	})
	sort.Strings(out)
	return out
}

// ValidateParams validates every template in params without resolving any.
func ValidateParams(params map[string]any) error {
	var errs []error
	for _, expr := range Templates(params) {
		if err := ValidateTemplate(expr); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ResolveParams substitutes the templates in a rollback action's params with
// values from the step's result and the params the step ran with. All
// templates are validated before any is resolved.
func ResolveParams(params map[string]any, step *planstore.Step) (map[string]any, error) {
	if err := ValidateParams(params); err != nil {
		return nil, err
	}
	ran, err := ranParams(step)
	if err != nil {
		return nil, err
	}
	roots := map[string]any{}
	if roots["result"], err = decode(step.Result); err != nil {
		return nil, err
	}
	if roots["params"], err = decode(ran); err != nil {
		return nil, err
	}

	normalized, err := decode(params)
	if err != nil {
		return nil, err
	}
	fields, _ := normalized.(map[string]any)
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		resolved, err := resolveValue(v, roots)
		if err != nil {
			return nil, fmt.Errorf("param %s: %w", k, err)
		}
		out[k] = resolved
	}
	return out, nil
}

func resolveValue(v any, roots map[string]any) (any, error) {
	switch t := v.(type) {
	case string:
		return resolveString(t, roots)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			r, err := resolveValue(item, roots)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			r, err := resolveValue(item, roots)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	}
	return v, nil
}

func resolveString(s string, roots map[string]any) (any, error) {
	matches := templateRe.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		return lookup(s[matches[0][2]:matches[0][3]], roots)
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		v, err := lookup(s[m[2]:m[3]], roots)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(v))
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// lookup walks own map keys and in-range slice indices only.
func lookup(expr string, roots map[string]any) (any, error) {
	segments := strings.Split(strings.TrimSpace(expr), ".")
	cur := roots[segments[0]]
	for _, seg := range segments[1:] {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrPathNotFound, expr)
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, fmt.Errorf("%w: %s", ErrPathNotFound, expr)
			}
			cur = node[i]
		default:
			return nil, fmt.Errorf("%w: %s", ErrPathNotFound, expr)
		}
	}
	return cur, nil
}

// decode normalizes v into maps, slices and scalars.
func decode(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode template source: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode template source: %w", err)
	}
	return out, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}

func walk(v any, fn func(string)) {
	switch t := v.(type) {
	case string:
		fn(t)
	case map[string]any:
		for _, item := range t {
			walk(item, fn)
		}
	case []any:
		for _, item := range t {
			walk(item, fn)
		}
	}
}

// ranParams returns the params the step was called with. Steps stored before
// resolved params were recorded fall back to their planned params, which is
// only safe when those hold no output references.
func ranParams(step *planstore.Step) (map[string]any, error) {
	if step.ResolvedParams != nil {
		return step.ResolvedParams, nil
	}
	if outputresolver.HasReferences(step.Params) {
		return nil, fmt.Errorf("step %d has no resolved params and its params reference other steps", step.Index)
	}
	return step.Params, nil
}
