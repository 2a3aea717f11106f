// Package httplib holds small HTTP helpers shared by every handler in
// lib/web: JSON request/response plumbing and the error-to-status
// mapping the API's error taxonomy requires.
package httplib

import (
	"encoding/json"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// MaxRequestBodyBytes bounds JSON request bodies read by ReadJSON.
const MaxRequestBodyBytes = 1 << 20 // 1 MiB

// ReadJSON decodes the request body into v, rejecting unknown fields
// and bodies larger than MaxRequestBodyBytes.
func ReadJSON(r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, MaxRequestBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return trace.BadParameter("invalid request body: %v", err)
	}
	return nil
}

// WriteJSON writes v as a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("Failed to encode JSON response.")
	}
}

// errorResponse is the wire shape for every error the API returns.
type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// WriteError maps err's trace taxonomy to an HTTP status and error
// code and writes it as JSON, per the external interface's error
// contract. A trace.Field named "code" on the error, if present,
// overrides the derived code — this is how token-expiry (401) is
// told apart from an ordinary forbidden (403), both of which trace
// otherwise represents as access-denied errors.
func WriteError(w http.ResponseWriter, err error) {
	status, code := statusAndCode(err)
	resp := errorResponse{}
	resp.Error.Code = code
	resp.Error.Message = trace.UserMessage(err)
	WriteJSON(w, status, resp)
}

func statusAndCode(err error) (int, string) {
	if terr, ok := err.(trace.Error); ok {
		if code, ok := terr.GetFields()["code"]; ok {
			if s, ok := code.(string); ok && s != "" {
				return codeStatus(s), s
			}
		}
	}

	switch {
	case trace.IsNotFound(err):
		return http.StatusNotFound, "NotFound"
	case trace.IsAlreadyExists(err):
		return http.StatusConflict, "AlreadyExists"
	case trace.IsBadParameter(err):
		return http.StatusBadRequest, "BadParameter"
	case trace.IsAccessDenied(err):
		return http.StatusForbidden, "Forbidden"
	case trace.IsCompareFailed(err):
		return http.StatusConflict, "CompareFailed"
	case trace.IsLimitExceeded(err):
		return http.StatusTooManyRequests, "LimitExceeded"
	case trace.IsConnectionProblem(err):
		return http.StatusServiceUnavailable, "ConnectionProblem"
	default:
		return http.StatusInternalServerError, "Internal"
	}
}

func codeStatus(code string) int {
	switch code {
	case "TokenExpired", "InvalidToken":
		return http.StatusUnauthorized
	case "Forbidden", "DeviceLocked", "PolicyViolation", "Locked", "DeviceApprovalRequired":
		return http.StatusForbidden
	case "RangeNotSatisfiable":
		return http.StatusRequestedRangeNotSatisfiable
	case "EmailTaken", "ChunkConflict", "UploadBusy", "ChapterNotReady":
		return http.StatusConflict
	case "ChapterOverlaps", "ChapterOutOfRange":
		return http.StatusBadRequest
	case "IntegrityFailed":
		return http.StatusUnprocessableEntity
	case "UploadNotFound":
		return http.StatusNotFound
	case "DecryptFailed":
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
