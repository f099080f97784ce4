// Package workflow executes authored node-and-edge graphs: keyword gating,
// step dispatch with retry, and conversation pause/resume.
package workflow

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zerodha/logf"
	"gorm.io/gorm"

	"github.com/rathodworks/whatsflow/internal/fault"
	"github.com/rathodworks/whatsflow/internal/models"
	"github.com/rathodworks/whatsflow/internal/precheck"
	"github.com/rathodworks/whatsflow/internal/store"
	"github.com/rathodworks/whatsflow/internal/trace"
	"github.com/rathodworks/whatsflow/pkg/whatsapp"
)

// ExecConfigKey is the settings key holding the step execution policy
const ExecConfigKey = "workflow_execution_config"

// ExecConfig is the per-step retry and timeout policy
type ExecConfig struct {
	RetryCount   int `json:"retryCount"`
	RetryDelayMs int `json:"retryDelayMs"`
	TimeoutMs    int `json:"timeoutMs"`
}

// DefaultExecConfig returns the policy used when none is stored
func DefaultExecConfig() ExecConfig {
	return ExecConfig{RetryCount: 0, RetryDelayMs: 1000, TimeoutMs: 30000}
}

// Normalize clamps the policy into its allowed ranges
func (c *ExecConfig) Normalize() {
	if c.RetryCount < 0 {
		c.RetryCount = 0
	}
	if c.RetryCount > 10 {
		c.RetryCount = 10
	}
	if c.RetryDelayMs < 0 {
		c.RetryDelayMs = 0
	}
	if c.RetryDelayMs > 60000 {
		c.RetryDelayMs = 60000
	}
	if c.TimeoutMs <= 0 {
		c.TimeoutMs = 30000
	}
	if c.TimeoutMs > 60000 {
		c.TimeoutMs = 60000
	}
}

// Engine walks workflow graphs
type Engine struct {
	db       *gorm.DB
	st       *store.Store
	client   *whatsapp.Client
	account  *whatsapp.Account
	rehoster *precheck.Rehoster
	sink     *trace.Sink
	log      logf.Logger

	httpClient *http.Client
	actions    map[string]ActionHandler
}

// NewEngine creates an Engine
func NewEngine(db *gorm.DB, st *store.Store, client *whatsapp.Client, account *whatsapp.Account, rehoster *precheck.Rehoster, sink *trace.Sink, log logf.Logger) *Engine {
	e := &Engine{
		db:         db,
		st:         st,
		client:     client,
		account:    account,
		rehoster:   rehoster,
		sink:       sink,
		log:        log,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	e.registerActions()
	return e
}

// RunRequest describes one execution of a workflow
type RunRequest struct {
	WorkflowID       uuid.UUID
	TriggerType      string
	Input            models.JSONB
	StartNodeIDs     []string
	InitialVariables map[string]interface{}
}

// RunResult is what callers of Execute get back
type RunResult struct {
	RunID  uuid.UUID                `json:"executionId"`
	Status models.WorkflowRunStatus `json:"status"`
	Output models.JSONB             `json:"output,omitempty"`
	Paused bool                     `json:"paused,omitempty"`
}

// loadVersion resolves the executable version of a workflow: the active
// version when set, otherwise the newest published one.
func (e *Engine) loadVersion(ctx context.Context, wf *models.Workflow) (*models.WorkflowVersion, error) {
	var version models.WorkflowVersion
	if wf.ActiveVersionID != nil {
		if err := e.db.WithContext(ctx).First(&version, "id = ?", *wf.ActiveVersionID).Error; err == nil {
			return &version, nil
		}
	}
	err := e.db.WithContext(ctx).
		Where("workflow_id = ? AND status = ?", wf.ID, models.VersionStatusPublished).
		Order("number DESC").
		First(&version).Error
	if err != nil {
		return nil, fault.New(fault.KindValidation, "invalid_workflow")
	}
	return &version, nil
}

// execConfig loads the step policy from settings
func (e *Engine) execConfig(ctx context.Context) ExecConfig {
	cfg := DefaultExecConfig()
	if err := e.st.GetSetting(ctx, ExecConfigKey, &cfg); err != nil && !fault.Is(err, fault.KindNotFound) {
		e.log.Error("Failed to load execution config, using defaults", "error", err)
	}
	cfg.Normalize()
	return cfg
}

// Execute runs a workflow from its trigger (or the supplied start set) to
// completion, pause, or failure.
func (e *Engine) Execute(ctx context.Context, req RunRequest) (*RunResult, error) {
	var wf models.Workflow
	if err := e.db.WithContext(ctx).First(&wf, "id = ?", req.WorkflowID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, fault.New(fault.KindNotFound, "workflow not found")
		}
		return nil, fault.Wrap(fault.KindTransient, "load workflow", err)
	}

	version, err := e.loadVersion(ctx, &wf)
	if err != nil {
		return nil, err
	}

	graph, err := ParseGraph(version.Graph)
	if err != nil {
		return nil, err
	}
	if err := graph.Validate(e.KnownAction); err != nil {
		return nil, err
	}
	trigger := graph.Trigger()

	run := &models.WorkflowRun{
		WorkflowID:  wf.ID,
		VersionID:   version.ID,
		Status:      models.RunStatusQueued,
		TriggerType: req.TriggerType,
		Input:       req.Input,
	}
	if err := e.st.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	// Keyword gating applies only to fresh keyword-triggered runs
	if trigger.TriggerType == models.TriggerTypeKeywords && req.TriggerType != models.TriggerTypeResume {
		if !matchKeywords(req.Input.String("message"), trigger.Keywords()) {
			output := models.JSONB{"reason": "keyword_not_matched"}
			if err := e.st.SetRunStatus(ctx, run.ID, models.RunStatusSkipped, output); err != nil {
				e.log.Error("Failed to mark run skipped", "run_id", run.ID, "error", err)
			}
			return &RunResult{RunID: run.ID, Status: models.RunStatusSkipped, Output: output}, nil
		}
	}

	if err := e.st.SetRunStatus(ctx, run.ID, models.RunStatusRunning, nil); err != nil {
		return nil, err
	}

	variables := make(map[string]interface{})
	for k, v := range req.Input {
		variables[k] = v
	}
	for k, v := range req.InitialVariables {
		variables[k] = v
	}

	start := req.StartNodeIDs
	if len(start) == 0 {
		start = graph.Successors(trigger.ID)
	}

	phone := req.Input.String("from")
	return e.walk(ctx, run, &wf, graph, start, phone, variables)
}

// walk visits nodes breadth-first from the start set. A paused step stops
// the walk; an errored step fails the run with partial progress preserved.
func (e *Engine) walk(ctx context.Context, run *models.WorkflowRun, wf *models.Workflow, graph *Graph, start []string, phone string, variables map[string]interface{}) (*RunResult, error) {
	cfg := e.execConfig(ctx)

	queue := append([]string(nil), start...)
	visited := make(map[string]bool)

	for len(queue) > 0 {
		nodeID := queue[0]
		queue = queue[1:]
		if visited[nodeID] {
			continue
		}
		visited[nodeID] = true

		node := graph.Node(nodeID)
		if node == nil {
			continue
		}
		if node.Kind != NodeKindAction {
			queue = append(queue, graph.Successors(nodeID)...)
			continue
		}

		result, err := e.runStep(ctx, cfg, run, node, graph, phone, variables)
		if err != nil {
			output := models.JSONB{"error": err.Error(), "node_id": node.ID}
			if serr := e.st.SetRunStatus(ctx, run.ID, models.RunStatusFailed, output); serr != nil {
				e.log.Error("Failed to mark run failed", "run_id", run.ID, "error", serr)
			}
			return &RunResult{RunID: run.ID, Status: models.RunStatusFailed, Output: output}, err
		}

		// Merge the step output under its declared key so downstream
		// nodes can reference it.
		outputKey := node.Config.String("outputKey")
		if outputKey == "" {
			outputKey = node.ID
		}
		if result.Output != nil {
			variables[outputKey] = map[string]interface{}(result.Output)
		}

		if result.Paused {
			return e.pause(ctx, run, wf, node, phone, result, variables)
		}

		queue = append(queue, graph.Successors(nodeID)...)
	}

	output := models.JSONB{"variables": variables}
	if err := e.st.SetRunStatus(ctx, run.ID, models.RunStatusSuccess, output); err != nil {
		e.log.Error("Failed to mark run success", "run_id", run.ID, "error", err)
	}
	return &RunResult{RunID: run.ID, Status: models.RunStatusSuccess, Output: output}, nil
}

// pause suspends the run behind a waiting conversation
func (e *Engine) pause(ctx context.Context, run *models.WorkflowRun, wf *models.Workflow, node *Node, phone string, result *StepResult, variables map[string]interface{}) (*RunResult, error) {
	conv := &models.WorkflowConversation{
		WorkflowID:   wf.ID,
		RunID:        run.ID,
		Phone:        phone,
		ResumeNodeID: result.ResumeNodeID,
		VariableKey:  result.VariableKey,
		Variables:    models.JSONB(variables),
	}
	if err := e.st.OpenConversation(ctx, conv); err != nil {
		output := models.JSONB{"error": err.Error(), "node_id": node.ID}
		if serr := e.st.SetRunStatus(ctx, run.ID, models.RunStatusFailed, output); serr != nil {
			e.log.Error("Failed to mark run failed", "run_id", run.ID, "error", serr)
		}
		return &RunResult{RunID: run.ID, Status: models.RunStatusFailed, Output: output}, err
	}

	e.sink.Record(trace.Event{
		TraceID: run.ID.String(),
		Step:    node.ID,
		Phase:   "pause",
		OK:      true,
		Phone:   phone,
	})

	if err := e.st.SetRunStatus(ctx, run.ID, models.RunStatusWaiting, nil); err != nil {
		e.log.Error("Failed to mark run waiting", "run_id", run.ID, "error", err)
	}
	return &RunResult{RunID: run.ID, Status: models.RunStatusWaiting, Paused: true}, nil
}

// runStep executes one node with logging, timeout and the retry policy.
// Only transient and rate_limited failures are retried; media_expired gets
// one rehost-and-retry; everything else is terminal for the step.
func (e *Engine) runStep(ctx context.Context, cfg ExecConfig, run *models.WorkflowRun, node *Node, graph *Graph, phone string, variables map[string]interface{}) (*StepResult, error) {
	handler := e.actions[node.ActionType]
	if handler == nil {
		return nil, fault.Newf(fault.KindValidation, "unknown action type %q", node.ActionType)
	}

	sc := &StepContext{Node: node, Graph: graph, Phone: phone, Variables: variables}

	var lastErr error
	rehosted := false
	for attempt := 0; ; attempt++ {
		now := time.Now()
		logRow := &models.WorkflowRunLog{
			RunID:     run.ID,
			NodeID:    node.ID,
			NodeName:  node.Name,
			NodeType:  node.ActionType,
			Status:    "running",
			Input:     node.Config,
			StartedAt: &now,
		}
		if err := e.st.AppendRunLog(ctx, logRow); err != nil {
			e.log.Error("Failed to append run log", "run_id", run.ID, "node_id", node.ID, "error", err)
		}

		stepCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.TimeoutMs)*time.Millisecond)
		result, err := handler(stepCtx, sc)
		cancel()

		if err == nil {
			if lerr := e.st.FinishRunLog(ctx, logRow.ID, "success", result.Output, ""); lerr != nil {
				e.log.Error("Failed to close run log", "run_id", run.ID, "error", lerr)
			}
			return result, nil
		}
		lastErr = err
		if lerr := e.st.FinishRunLog(ctx, logRow.ID, "error", nil, err.Error()); lerr != nil {
			e.log.Error("Failed to close run log", "run_id", run.ID, "error", lerr)
		}

		if fault.Is(err, fault.KindMediaExpired) && !rehosted && node.ActionType == ActionSendTemplate {
			rehosted = true
			if rerr := e.rehostTemplate(ctx, run, node); rerr == nil {
				continue
			}
			return nil, fault.Wrap(fault.KindPolicyRejected, "media rehost failed", err)
		}

		if !fault.Retryable(err) || attempt >= cfg.RetryCount {
			return nil, lastErr
		}

		select {
		case <-time.After(time.Duration(cfg.RetryDelayMs) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// rehostTemplate refreshes the header media of the template a node sends
func (e *Engine) rehostTemplate(ctx context.Context, run *models.WorkflowRun, node *Node) error {
	name := node.Config.String("template")
	language := node.Config.String("language")
	if language == "" {
		language = "en"
	}
	var tmpl models.Template
	if err := e.db.WithContext(ctx).First(&tmpl, "name = ? AND language = ?", name, language).Error; err != nil {
		return fault.Wrap(fault.KindPermanent, "load template for rehost", err)
	}
	_, err := e.rehoster.Rehost(ctx, e.account, &tmpl, nil, run.ID.String())
	return err
}

// matchKeywords reports whether the message contains any keyword,
// case-insensitively.
func matchKeywords(message string, keywords []string) bool {
	if len(keywords) == 0 {
		return false
	}
	normalized := strings.ToLower(message)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(normalized, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
