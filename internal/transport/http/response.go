package httptransport

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

type apiError struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response", slog.String("error", err.Error()))
	}
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	if code >= http.StatusInternalServerError {
		slog.Error("http error", slog.Int("status", code), slog.String("message", msg))
	}
	writeJSON(w, code, apiError{Message: msg})
}
