// Package introspect serves a read-only JSON snapshot of the Hook Registry
// over HTTP (served by `shadowhookctl serve`), for ad hoc debugging against
// a running simulation.
package introspect

import (
	"encoding/json"
	"net/http"

	"github.com/shadowhook/vtxhook/internal/shadowhook/engine"
)

// PageEntrySnapshot is the wire shape of one registry.PageHookEntry.
type PageEntrySnapshot struct {
	PageBaseVA uint64 `json:"page_base_va"`
	Kind       string `json:"kind"`
}

// FunctionHookSnapshot is the wire shape of one registry.FunctionHook.
type FunctionHookSnapshot struct {
	ID           string `json:"id"`
	PatchAddress uint64 `json:"patch_address"`
	IsPatch      bool   `json:"is_patch"`
	OriginalCall uint64 `json:"original_call,omitempty"`
}

// MemoryMonitorSnapshot is the wire shape of one registry.MemoryMonitor.
type MemoryMonitorSnapshot struct {
	ID         string `json:"id"`
	MemAddress uint64 `json:"mem_address"`
	MemLen     uint64 `json:"mem_len"`
}

// Snapshot is the full registry dump returned by GET /v1/registry.
type Snapshot struct {
	Active    bool                    `json:"active"`
	Pages     []PageEntrySnapshot     `json:"pages"`
	Hooks     []FunctionHookSnapshot  `json:"hooks"`
	Monitors  []MemoryMonitorSnapshot `json:"monitors"`
}

// Handler serves a Snapshot of e's registry over HTTP.
type Handler struct {
	Engine *engine.Engine
}

// NewHandler returns an http.Handler bound to e.
func NewHandler(e *engine.Engine) http.Handler {
	h := &Handler{Engine: e}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/registry", h.serveRegistry)
	return mux
}

func (h *Handler) serveRegistry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	reg := h.Engine.Registry()
	snap := Snapshot{Active: h.Engine.Active()}

	for _, e := range reg.PageEntries() {
		snap.Pages = append(snap.Pages, PageEntrySnapshot{PageBaseVA: e.PageBaseVA, Kind: e.Kind.String()})
	}
	for _, hook := range reg.FunctionHooks() {
		snap.Hooks = append(snap.Hooks, FunctionHookSnapshot{
			ID:           hook.ID,
			PatchAddress: hook.PatchAddress,
			IsPatch:      hook.IsPatch(),
			OriginalCall: hook.OriginalCall,
		})
	}
	for _, m := range reg.MemoryMonitors() {
		snap.Monitors = append(snap.Monitors, MemoryMonitorSnapshot{ID: m.ID, MemAddress: m.MemAddress, MemLen: m.MemLen})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}
