package api

import "net/http"

// HealthHandler answers GET /health with {"status":"ok"} and no auth
// (spec §6), used by deployment liveness probes.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, envelope{"status": "ok"})
}
