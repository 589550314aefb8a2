package handlers

import "net/http"

// HealthCheck reports liveness. It deliberately exposes nothing about
// configured users or auth state.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
