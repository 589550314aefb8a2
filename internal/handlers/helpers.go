package handlers

import (
	"encoding/json"
	"net/http"
	"time"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// completeResponse is the terminal success payload of every login flow.
func completeResponse(token string, expiresAt time.Time) map[string]interface{} {
	return map[string]interface{}{
		"status":     "complete",
		"token":      token,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	}
}
