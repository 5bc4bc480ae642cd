package engine

import (
	"fmt"
	"regexp"

	"github.com/procurio/tender-workflow/internal/domain/workflow"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([\w.]+)\s*\}\}`)

// Interpolate substitutes {{key}} placeholders with dot-path lookups in the
// instance context. Unresolved keys are left as literal {{key}} text.
func Interpolate(template string, context map[string]any) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		key := placeholderPattern.FindStringSubmatch(match)[1]

		value := workflow.LookupPath(context, key)
		if workflow.IsUndefined(value) {
			return match
		}
		return fmt.Sprintf("%v", value)
	})
}

// interpolateValue applies Interpolate to string values, recursing into maps
func interpolateValue(v any, context map[string]any) any {
	switch value := v.(type) {
	case string:
		return Interpolate(value, context)
	case map[string]any:
		out := make(map[string]any, len(value))
		for k, item := range value {
			out[k] = interpolateValue(item, context)
		}
		return out
	default:
		return v
	}
}
