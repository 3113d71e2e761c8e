package httpapi

import (
	"encoding/json"
	"net/http"
)

// Error codes returned in the "error" field of failure responses.
const (
	CodeForbidden       = "forbidden"
	CodeUnsupportedType = "unsupported_media_type"
	CodePayloadTooLarge = "payload_too_large"
	CodeBadRequest      = "bad_request"
	CodeUnauthorized    = "unauthorized"
	CodeReplay          = "replay_detected"
	CodeRateLimited     = "rate_limited"
	CodeServerError     = "server_error"
	CodeBadGateway      = "bad_gateway"
	CodeUnavailable     = "service_unavailable"
	CodeGatewayTimeout  = "gateway_timeout"
	CodeNotFound        = "not_found"
)

type errorBody struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

type issueBody struct {
	OK          bool   `json:"ok"`
	AuthToken   string `json:"authToken"`
	ExpiresAtMs int64  `json:"expiresAtMs"`
}

type submitBody struct {
	OK bool `json:"ok"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{OK: false, Error: code, Message: message})
}
