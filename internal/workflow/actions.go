package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rathodworks/whatsflow/internal/fault"
	"github.com/rathodworks/whatsflow/internal/models"
	"github.com/rathodworks/whatsflow/internal/precheck"
	"github.com/rathodworks/whatsflow/internal/templateutil"
	"github.com/rathodworks/whatsflow/pkg/whatsapp"
)

// Recognized action types
const (
	ActionSendMessage  = "whatsapp/send-message"
	ActionSendList     = "whatsapp/send-list"
	ActionSendTemplate = "whatsapp/send-template"
	ActionAskQuestion  = "whatsapp/ask-question"
	ActionSetVariable  = "set-variable"
	ActionHTTPRequest  = "http/request"
)

// StepResult is what one executed node hands back to the engine
type StepResult struct {
	Output models.JSONB

	// Paused suspends the run. ResumeNodeID and VariableKey describe where
	// and how it picks up when the reply arrives.
	Paused       bool
	ResumeNodeID string
	VariableKey  string
}

// StepContext carries everything a step needs
type StepContext struct {
	Node      *Node
	Graph     *Graph
	Phone     string
	Variables map[string]interface{}
}

// ActionHandler executes one action node
type ActionHandler func(ctx context.Context, sc *StepContext) (*StepResult, error)

// subst substitutes {{var}} placeholders from the step's variable map
func subst(content string, vars map[string]interface{}) string {
	return templateutil.Substitute(content, vars)
}

func (e *Engine) registerActions() {
	e.actions = map[string]ActionHandler{
		ActionSendMessage:  e.stepSendMessage,
		ActionSendList:     e.stepSendList,
		ActionSendTemplate: e.stepSendTemplate,
		ActionAskQuestion:  e.stepAskQuestion,
		ActionSetVariable:  e.stepSetVariable,
		ActionHTTPRequest:  e.stepHTTPRequest,
	}
}

// KnownAction reports whether actionType has a registered handler
func (e *Engine) KnownAction(actionType string) bool {
	_, ok := e.actions[actionType]
	return ok
}

func (e *Engine) stepSendMessage(ctx context.Context, sc *StepContext) (*StepResult, error) {
	message := subst(sc.Node.Config.String("message"), sc.Variables)
	if message == "" {
		return nil, fault.Newf(fault.KindValidation, "node %s has no message", sc.Node.ID)
	}

	res, err := e.client.SendTextMessage(ctx, e.account, sc.Phone, message)
	if err != nil {
		return nil, err
	}
	return &StepResult{Output: models.JSONB{"message_id": res.MessageID}}, nil
}

func (e *Engine) stepSendList(ctx context.Context, sc *StepContext) (*StepResult, error) {
	body := subst(sc.Node.Config.String("body"), sc.Variables)
	button := sc.Node.Config.String("button")

	var rows []whatsapp.ListRow
	if raw, ok := sc.Node.Config["options"].([]interface{}); ok {
		for i, item := range raw {
			switch v := item.(type) {
			case string:
				rows = append(rows, whatsapp.ListRow{ID: fmt.Sprintf("option_%d", i+1), Title: v})
			case map[string]interface{}:
				row := whatsapp.ListRow{ID: fmt.Sprintf("option_%d", i+1)}
				if s, ok := v["id"].(string); ok && s != "" {
					row.ID = s
				}
				if s, ok := v["title"].(string); ok {
					row.Title = subst(s, sc.Variables)
				}
				if s, ok := v["description"].(string); ok {
					row.Description = s
				}
				rows = append(rows, row)
			}
		}
	}

	res, err := e.client.SendListMessage(ctx, e.account, sc.Phone, body, button, rows)
	if err != nil {
		return nil, err
	}
	return &StepResult{Output: models.JSONB{"message_id": res.MessageID}}, nil
}

func (e *Engine) stepSendTemplate(ctx context.Context, sc *StepContext) (*StepResult, error) {
	name := sc.Node.Config.String("template")
	language := sc.Node.Config.String("language")
	if language == "" {
		language = "en"
	}

	var tmpl models.Template
	if err := e.db.WithContext(ctx).First(&tmpl, "name = ? AND language = ?", name, language).Error; err != nil {
		return nil, fault.Newf(fault.KindValidation, "template %s (%s) not found", name, language)
	}

	components := precheck.BuildComponents(&tmpl, sc.Variables)
	res, err := e.client.SendTemplateMessage(ctx, e.account, sc.Phone, tmpl.Name, tmpl.Language, components)
	if err != nil {
		return nil, err
	}
	return &StepResult{Output: models.JSONB{"message_id": res.MessageID}}, nil
}

func (e *Engine) stepAskQuestion(ctx context.Context, sc *StepContext) (*StepResult, error) {
	question := subst(sc.Node.Config.String("question"), sc.Variables)
	if question == "" {
		return nil, fault.Newf(fault.KindValidation, "node %s has no question", sc.Node.ID)
	}
	variableKey := sc.Node.Config.String("variableKey")
	if variableKey == "" {
		return nil, fault.Newf(fault.KindValidation, "node %s has no variableKey", sc.Node.ID)
	}

	res, err := e.client.SendTextMessage(ctx, e.account, sc.Phone, question)
	if err != nil {
		return nil, err
	}

	// The run resumes at the node after this one when the reply arrives
	var resumeNodeID string
	if succ := sc.Graph.Successors(sc.Node.ID); len(succ) > 0 {
		resumeNodeID = succ[0]
	}

	return &StepResult{
		Output:       models.JSONB{"message_id": res.MessageID},
		Paused:       true,
		ResumeNodeID: resumeNodeID,
		VariableKey:  variableKey,
	}, nil
}

func (e *Engine) stepSetVariable(_ context.Context, sc *StepContext) (*StepResult, error) {
	key := sc.Node.Config.String("key")
	if key == "" {
		return nil, fault.Newf(fault.KindValidation, "node %s has no variable key", sc.Node.ID)
	}
	value := subst(sc.Node.Config.String("value"), sc.Variables)
	sc.Variables[key] = value
	return &StepResult{Output: models.JSONB{key: value}}, nil
}

func (e *Engine) stepHTTPRequest(ctx context.Context, sc *StepContext) (*StepResult, error) {
	url := subst(sc.Node.Config.String("url"), sc.Variables)
	if url == "" {
		return nil, fault.Newf(fault.KindValidation, "node %s has no url", sc.Node.ID)
	}
	method := strings.ToUpper(sc.Node.Config.String("method"))
	if method == "" {
		method = http.MethodGet
	}

	var reqBody io.Reader
	if bodyTmpl := sc.Node.Config.String("body"); bodyTmpl != "" {
		reqBody = bytes.NewBufferString(subst(bodyTmpl, sc.Variables))
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, "invalid http request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if headers, ok := sc.Node.Config["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			req.Header.Set(k, subst(fmt.Sprintf("%v", v), sc.Variables))
		}
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "http request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, "failed to read response", err)
	}
	if resp.StatusCode >= 500 {
		return nil, fault.Newf(fault.KindTransient, "http request returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, fault.Newf(fault.KindPermanent, "http request returned %d", resp.StatusCode)
	}

	output := models.JSONB{"status": resp.StatusCode}
	var parsed map[string]interface{}
	if json.Unmarshal(respBody, &parsed) == nil {
		output["body"] = parsed
	} else {
		output["body"] = string(respBody)
	}
	return &StepResult{Output: output}, nil
}
