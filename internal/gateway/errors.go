package gateway

import (
	"encoding/xml"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/tunnelmesh/blobmesh/internal/auth"
	"github.com/tunnelmesh/blobmesh/internal/namespace"
)

// Error codes returned by the gateway itself. Errors from backing accounts
// are passed through unchanged.
const (
	CodeAuthenticationFailed = "AuthenticationFailed"
	CodeAuthorizationFailure = "AuthorizationFailure"
	CodeBlobNotFound         = "BlobNotFound"
	CodeServerBusy           = "ServerBusy"
	CodeInvalidURI           = "InvalidUri"
	CodeInternalError        = "InternalError"
)

// ErrorResponse is the blob service XML error body.
type ErrorResponse struct {
	XMLName                   xml.Name `xml:"Error"`
	Code                      string   `xml:"Code"`
	Message                   string   `xml:"Message"`
	AuthenticationErrorDetail string   `xml:"AuthenticationErrorDetail,omitempty"`
}

// writeError writes a blob-service-style XML error response.
func writeError(w http.ResponseWriter, status int, code, message, detail string) {
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("x-ms-error-code", code)
	w.WriteHeader(status)

	resp := ErrorResponse{
		Code:                      code,
		Message:                   message,
		AuthenticationErrorDetail: detail,
	}
	if _, err := w.Write([]byte(xml.Header)); err != nil {
		return
	}
	if err := xml.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// writeAuthError maps a rejected authentication decision to a 403.
func writeAuthError(w http.ResponseWriter, d auth.Decision) {
	code := CodeAuthenticationFailed
	message := "Server failed to authenticate the request. Make sure the value of Authorization header is formed correctly including the signature."
	if errors.Is(d.Err, auth.ErrPermissionDenied) || errors.Is(d.Err, auth.ErrProtocolNotAllowed) {
		code = CodeAuthorizationFailure
		message = "This request is not authorized to perform this operation."
	}
	writeError(w, http.StatusForbidden, code, message, d.Reason)
}

// writeNamespaceError maps a resolver failure to a status and error code.
func writeNamespaceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, namespace.ErrNotFound):
		writeError(w, http.StatusNotFound, CodeBlobNotFound, "The specified blob does not exist.", "")
	case errors.Is(err, namespace.ErrTooManyConflicts):
		writeError(w, http.StatusServiceUnavailable, CodeServerBusy, "The server is currently unable to receive requests. Please retry your request.", "")
	case errors.Is(err, namespace.ErrInvalidKey):
		writeError(w, http.StatusBadRequest, CodeInvalidURI, "The requested URI does not represent any resource on the server.", "")
	default:
		writeError(w, http.StatusInternalServerError, CodeInternalError, "Server encountered an internal error. Please try again after some time.", "")
	}
}
