package execsvc

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the API error body. Clients read the detail field.
type ErrorResponse struct {
	Detail string `json:"detail"`
	Kind   string `json:"kind,omitempty"`
}

// Error kinds carried in error bodies.
const (
	KindInvalidRequest  = "InvalidRequest"
	KindSessionExists   = "SessionExists"
	KindSessionNotFound = "SessionNotFound"
	KindPluginLoad      = "PluginLoadFailed"
	KindKernelStart     = "KernelStartFailed"
	KindPathTraversal   = "PathTraversal"
	KindAuthRequired    = "AuthRequired"
	KindInternal        = "InternalError"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, kind, detail string) {
	writeJSON(w, status, ErrorResponse{Detail: detail, Kind: kind})
}
