package turbo

import (
	"context"
	"fmt"
	"sync"

	"github.com/zerodha/logf"

	"github.com/rathodworks/whatsflow/internal/fault"
	"github.com/rathodworks/whatsflow/internal/store"
)

// stateKey returns the settings key holding one sender's controller state
func stateKey(phoneNumberID string) string {
	return fmt.Sprintf("turbo.state.%s", phoneNumberID)
}

// Registry hands out one controller per sender phone number, restoring
// persisted state on first use.
type Registry struct {
	mu          sync.Mutex
	controllers map[string]*Controller
	st          *store.Store
	log         logf.Logger
}

// NewRegistry creates a Registry backed by the settings table
func NewRegistry(st *store.Store, log logf.Logger) *Registry {
	return &Registry{
		controllers: make(map[string]*Controller),
		st:          st,
		log:         log,
	}
}

// LoadConfig reads the sending policy from settings, falling back to the
// default policy when none is stored.
func (r *Registry) LoadConfig(ctx context.Context) Config {
	cfg := DefaultConfig()
	if err := r.st.GetSetting(ctx, SettingsKey, &cfg); err != nil && !fault.Is(err, fault.KindNotFound) {
		r.log.Error("Failed to load sending policy, using defaults", "error", err)
	}
	cfg.Normalize()
	return cfg
}

// Get returns the controller for a sender, creating it from persisted state
// when this is the first use since startup.
func (r *Registry) Get(ctx context.Context, phoneNumberID string) *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.controllers[phoneNumberID]; ok {
		return c
	}

	cfg := r.LoadConfig(ctx)

	var st State
	if err := r.st.GetSetting(ctx, stateKey(phoneNumberID), &st); err != nil && !fault.Is(err, fault.KindNotFound) {
		r.log.Error("Failed to load turbo state, starting fresh", "phone_number_id", phoneNumberID, "error", err)
	}

	persist := func(id string, s State) error {
		return r.st.PutSetting(context.Background(), stateKey(id), s)
	}

	c := NewController(cfg, phoneNumberID, st, persist, r.log)
	r.controllers[phoneNumberID] = c
	return c
}

// Reload drops cached controllers so the next Get picks up a changed policy.
// In-flight dispatches keep their current controller until they finish.
func (r *Registry) Reload() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.controllers = make(map[string]*Controller)
}
