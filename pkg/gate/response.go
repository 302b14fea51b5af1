package gate

import (
	"encoding/json"
	"net/http"
)

// writeJSON writes a JSON body with status 200. Clients read the outcome
// from the embedded error code, not the HTTP status.
func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, `{"error":1002}`, http.StatusInternalServerError)
	}
}

// writeError writes a bare error-code response.
func writeError(w http.ResponseWriter, code int) {
	writeJSON(w, map[string]any{"error": code})
}
