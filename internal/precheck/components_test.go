package precheck

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rathodworks/whatsflow/internal/models"
)

func TestBuildComponents_BodyOnly(t *testing.T) {
	tmpl := &models.Template{
		BodyContent:     "Hello {{name}}, order {{order_id}}",
		ParameterFormat: models.ParameterFormatPositional,
	}
	vars := map[string]interface{}{"name": "Ana", "order_id": "ORD-42"}

	components := BuildComponents(tmpl, vars)
	require.Len(t, components, 1)
	assert.Equal(t, "body", components[0]["type"])

	params := components[0]["parameters"].([]map[string]interface{})
	require.Len(t, params, 2)
	assert.Equal(t, "Ana", params[0]["text"])
	assert.Equal(t, "ORD-42", params[1]["text"])
}

func TestBuildComponents_NamedFormat(t *testing.T) {
	tmpl := &models.Template{
		BodyContent:     "Hello {{name}}",
		ParameterFormat: models.ParameterFormatNamed,
	}

	components := BuildComponents(tmpl, map[string]interface{}{"name": "Ana"})
	require.Len(t, components, 1)

	params := components[0]["parameters"].([]map[string]interface{})
	require.Len(t, params, 1)
	assert.Equal(t, "name", params[0]["parameter_name"])
	assert.Equal(t, "Ana", params[0]["text"])
}

func TestBuildComponents_MediaHeader(t *testing.T) {
	tmpl := &models.Template{
		HeaderType:    models.HeaderTypeImage,
		HeaderContent: "https://cdn.example.com/banner.jpg",
		BodyContent:   "Hello {{name}}",
	}

	components := BuildComponents(tmpl, map[string]interface{}{"name": "Ana"})
	require.Len(t, components, 2)
	assert.Equal(t, "header", components[0]["type"])

	params := components[0]["parameters"].([]map[string]interface{})
	require.Len(t, params, 1)
	assert.Equal(t, "image", params[0]["type"])
	media := params[0]["image"].(map[string]interface{})
	assert.Equal(t, "https://cdn.example.com/banner.jpg", media["link"])
}

func TestBuildComponents_NoParams(t *testing.T) {
	tmpl := &models.Template{BodyContent: "Hello there!"}
	assert.Nil(t, BuildComponents(tmpl, nil))
}
