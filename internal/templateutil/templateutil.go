package templateutil

import (
	"fmt"
	"regexp"
	"strings"
)

// ParameterPattern matches template placeholders like {{1}}, {{name}}, {{order_id}}
var ParameterPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// ExtParamNames extracts placeholder names from template content.
// Supports both positional ({{1}}, {{2}}) and named ({{name}}, {{order_id}})
// placeholders. Returns names in order of first occurrence, without duplicates.
func ExtParamNames(content string) []string {
	matches := ParameterPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]bool)
	var names []string
	for _, match := range matches {
		if len(match) > 1 {
			name := strings.TrimSpace(match[1])
			if name != "" && !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	return names
}

// ResolveParams resolves the placeholders of bodyContent to ordered string
// values from a map[string]interface{} source (e.g. models.JSONB). Named keys
// win; positional 1-indexed keys are the fallback; unresolved slots are "".
func ResolveParams(bodyContent string, params map[string]interface{}) []string {
	paramNames := ExtParamNames(bodyContent)
	if len(paramNames) == 0 {
		return nil
	}

	result := make([]string, len(paramNames))
	for i, name := range paramNames {
		if val, ok := params[name]; ok {
			result[i] = fmt.Sprintf("%v", val)
			continue
		}
		if val, ok := params[fmt.Sprintf("%d", i+1)]; ok {
			result[i] = fmt.Sprintf("%v", val)
			continue
		}
		result[i] = ""
	}
	return result
}

// Substitute replaces both positional and named placeholders in content with
// values from params. Unresolved placeholders are replaced with the empty
// string so that provider payloads never carry raw braces.
func Substitute(content string, params map[string]interface{}) string {
	if content == "" {
		return content
	}

	paramNames := ExtParamNames(content)
	for i, name := range paramNames {
		var val string
		if v, ok := params[name]; ok {
			val = fmt.Sprintf("%v", v)
		} else if v, ok := params[fmt.Sprintf("%d", i+1)]; ok {
			val = fmt.Sprintf("%v", v)
		}
		content = strings.ReplaceAll(content, fmt.Sprintf("{{%s}}", name), val)
	}
	return content
}

// SubstituteKeepMissing behaves like Substitute but leaves placeholders whose
// key is absent untouched. Workflow steps use this so that a later set-variable
// node can still fill them in.
func SubstituteKeepMissing(content string, params map[string]interface{}) string {
	if content == "" || len(params) == 0 {
		return content
	}

	for _, name := range ExtParamNames(content) {
		if v, ok := params[name]; ok {
			content = strings.ReplaceAll(content, fmt.Sprintf("{{%s}}", name), fmt.Sprintf("%v", v))
		}
	}
	return content
}
