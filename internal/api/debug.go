package api

import (
	"encoding/json"
	"net/http"

	"github.com/flowgate/flowgate/internal/config"
	"github.com/flowgate/flowgate/internal/sched"
)

// Gateway is the slice of the kernel map gateway the debug API reports on.
type Gateway interface {
	IsEnabled() bool
}

// DebugAPI exposes read-only views of the admission state for operators.
type DebugAPI struct {
	cfg *config.Config
	ctx *sched.Context
	gw  Gateway
}

func NewDebugAPI(cfg *config.Config, ctx *sched.Context, gw Gateway) *DebugAPI {
	return &DebugAPI{cfg: cfg, ctx: ctx, gw: gw}
}

// RegisterRoutes registers debug API routes.
func (a *DebugAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/config", a.handleConfig)
	mux.HandleFunc("/debug/flows", a.handleFlows)
}

// GET /debug/config - effective admission configuration
func (a *DebugAPI) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"max_active_flows":  a.cfg.MaxActiveFlows,
		"epoch_us":          a.cfg.EpochUS,
		"exempt_first_flow": a.cfg.ExemptFirstFlow,
		"map_pin_path":      a.cfg.MapPinPath,
		"valid":             a.cfg.Valid(),
	})
}

// GET /debug/flows - current queue contents and registry size
func (a *DebugAPI) handleFlows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	active, paused := a.ctx.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"ready":           a.ctx.Ready(),
		"gateway_enabled": a.gw.IsEnabled(),
		"registered":      a.ctx.RegistrySize(),
		"active":          active,
		"paused":          paused,
	})
}
