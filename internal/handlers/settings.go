package handlers

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
	"github.com/zerodha/fastglue"

	"github.com/rathodworks/whatsflow/internal/dispatcher"
	"github.com/rathodworks/whatsflow/internal/fault"
	"github.com/rathodworks/whatsflow/internal/turbo"
	"github.com/rathodworks/whatsflow/internal/workflow"
)

// settingDefaults returns the documented default for a known key, or nil
func settingDefaults(key string) interface{} {
	switch key {
	case turbo.SettingsKey:
		return turbo.DefaultConfig()
	case workflow.ExecConfigKey:
		return workflow.DefaultExecConfig()
	case dispatcher.SendingTimeoutKey:
		return 300
	case VerifyTokenKey:
		return ""
	}
	return nil
}

// GetSetting returns a settings value, falling back to documented defaults
func (a *App) GetSetting(r *fastglue.Request) error {
	key, _ := r.RequestCtx.UserValue("key").(string)
	if key == "" {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Setting key is required", nil, "")
	}

	var value json.RawMessage
	err := a.Store.GetSetting(r.RequestCtx, key, &value)
	if err != nil {
		if fault.Is(err, fault.KindNotFound) {
			if def := settingDefaults(key); def != nil {
				return r.SendEnvelope(map[string]interface{}{"key": key, "value": def, "default": true})
			}
			return r.SendErrorEnvelope(fasthttp.StatusNotFound, "Setting not found", nil, "")
		}
		return a.sendFault(r, err)
	}

	return r.SendEnvelope(map[string]interface{}{"key": key, "value": value})
}

// PutSetting stores a settings value
func (a *App) PutSetting(r *fastglue.Request) error {
	key, _ := r.RequestCtx.UserValue("key").(string)
	if key == "" {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Setting key is required", nil, "")
	}

	var req struct {
		Value json.RawMessage `json:"value"`
	}
	if err := r.Decode(&req, "json"); err != nil || len(req.Value) == 0 {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "value is required", nil, "")
	}

	// Validate the policy shape for known keys before persisting
	switch key {
	case turbo.SettingsKey:
		var cfg turbo.Config
		if err := json.Unmarshal(req.Value, &cfg); err != nil {
			return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Malformed sending policy", nil, "")
		}
	case workflow.ExecConfigKey:
		var cfg workflow.ExecConfig
		if err := json.Unmarshal(req.Value, &cfg); err != nil {
			return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "Malformed execution config", nil, "")
		}
	}

	if err := a.Store.PutSetting(r.RequestCtx, key, req.Value); err != nil {
		return a.sendFault(r, err)
	}
	return r.SendEnvelope(map[string]interface{}{"key": key, "saved": true})
}
