/*
scenarios.go - Demo scenario endpoints

USAGE VIA API:

	GET  /api/scenarios
	POST /api/scenarios/load
	{"scenarioId": "overpayment", "base": "2025-01-01"}

NOTE:
  Only routed when Handler.Scenarios is set (never in production).
  Loading is idempotent: a second load of the same scenario changes nothing.

SEE ALSO:
  - scenario/scenario.go: Scenario definitions and loaders
*/
package api

import (
	"net/http"
	"time"

	"github.com/warp/revenue-ledger/ledger"
	"github.com/warp/revenue-ledger/scenario"
)

// LoadScenarioRequest selects a scenario and the date its activity starts.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenarioId" validate:"required"`
	Base       string `json:"base" validate:"omitempty,datetime=2006-01-02"`
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenario.List())
}

// LoadScenario seeds a predefined scenario. Base defaults to the first of
// the current month.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}

	base := ledger.MonthOf(h.now()).Start
	if req.Base != "" {
		parsed, err := time.Parse(time.DateOnly, req.Base)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid base date", err)
			return
		}
		base = parsed
	}

	if err := scenario.Load(r.Context(), h.Engine, req.ScenarioID, base); err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "loaded",
		"scenario": req.ScenarioID,
	})
}
