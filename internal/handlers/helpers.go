package handlers

import (
	"encoding/json"
	"net/http"
)

// RequireMethod validates that the HTTP request uses the specified
// method, writing 405 otherwise.
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		WriteDetail(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	return true
}

// WriteJSON writes a JSON response with the specified status code.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteDetail writes the error shape every endpoint shares:
// {"detail": "<message>"}.
func WriteDetail(w http.ResponseWriter, statusCode int, detail string) error {
	return WriteJSON(w, statusCode, map[string]string{"detail": detail})
}
