package precheck

import (
	"strings"

	"github.com/rathodworks/whatsflow/internal/models"
	"github.com/rathodworks/whatsflow/internal/templateutil"
)

// BuildComponents assembles the provider components array for a template
// send from resolved variables. Header media rides as a link parameter so a
// rehosted URL takes effect on the next build.
func BuildComponents(tmpl *models.Template, vars map[string]interface{}) []map[string]interface{} {
	var components []map[string]interface{}

	if tmpl.HasMediaHeader() && tmpl.HeaderContent != "" {
		mediaType := strings.ToLower(tmpl.HeaderType)
		components = append(components, map[string]interface{}{
			"type": "header",
			"parameters": []map[string]interface{}{
				{"type": mediaType, mediaType: map[string]interface{}{"link": tmpl.HeaderContent}},
			},
		})
	}

	values := templateutil.ResolveParams(tmpl.BodyContent, vars)
	if len(values) > 0 {
		params := make([]map[string]interface{}, 0, len(values))
		if tmpl.ParameterFormat == models.ParameterFormatNamed {
			names := templateutil.ExtParamNames(tmpl.BodyContent)
			for i, v := range values {
				params = append(params, map[string]interface{}{
					"type":           "text",
					"parameter_name": names[i],
					"text":           v,
				})
			}
		} else {
			for _, v := range values {
				params = append(params, map[string]interface{}{"type": "text", "text": v})
			}
		}
		components = append(components, map[string]interface{}{
			"type":       "body",
			"parameters": params,
		})
	}

	return components
}
