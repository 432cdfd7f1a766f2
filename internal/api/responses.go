package api

import (
	"encoding/json"
	"net/http"

	"github.com/ioerror/vula/internal/engine"
	"github.com/ioerror/vula/pkg/api"
	vulaerrors "github.com/ioerror/vula/pkg/errors"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a successful JSON response.
func WriteSuccess[T any](w http.ResponseWriter, data T) error {
	return WriteJSON(w, http.StatusOK, api.Response[T]{Success: true, Data: data})
}

// WriteErrorResponse logs err and translates it into an HTTP response.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, err error) {
	status, info := errorInfo(r, err)
	_ = WriteJSON(w, status, api.Response[any]{Success: false, Error: info})
}

// WriteResult reports a transaction result. A failed transaction is an
// error response that still carries the result.
func WriteResult(w http.ResponseWriter, r *http.Request, res *engine.Result) {
	if res.OK() {
		_ = WriteSuccess(w, toResultInfo(res))
		return
	}
	status, info := errorInfo(r, res.Err())
	if info.Code == vulaerrors.ErrCodeInternal && res.ErrorCode != "" {
		// results decoded from storage keep only the code
		info.Code = res.ErrorCode
		info.Metadata = res.ErrorMetadata
		status, info.Message = statusForCode(res.ErrorCode, res.Error)
	}
	_ = WriteJSON(w, status, api.Response[api.ResultInfo]{Success: false, Data: toResultInfo(res), Error: info})
}

func errorInfo(r *http.Request, err error) (int, *api.ErrorInfo) {
	ctx := r.Context()
	GetLogger(ctx).ErrorCtx(ctx, "API request failed", err)

	info := &api.ErrorInfo{
		Code:      vulaerrors.ErrCodeInternal,
		Message:   "An internal server error occurred",
		RequestID: GetRequestID(ctx),
	}
	status := http.StatusInternalServerError

	if de := vulaerrors.Innermost(err); de != nil {
		info.Code = de.Code()
		info.Metadata = de.Metadata()
		status, info.Message = statusForCode(de.Code(), de.Error())
	}
	return status, info
}

// statusForCode maps domain error codes to HTTP status codes and messages.
func statusForCode(code, msg string) (int, string) {
	switch code {
	case vulaerrors.ErrCodeValidation, vulaerrors.ErrCodeInvalidCIDR, vulaerrors.ErrCodeInvalidIPAddress,
		vulaerrors.ErrCodeDescriptorInvalid, vulaerrors.ErrCodeSignatureInvalid,
		vulaerrors.ErrCodeInvalidPath, vulaerrors.ErrCodePrefsValidation, vulaerrors.ErrCodeStateValidation:
		return http.StatusBadRequest, "Validation failed: " + msg

	case vulaerrors.ErrCodePeerNotFound, vulaerrors.ErrCodeNotFound:
		return http.StatusNotFound, "Resource not found: " + msg

	case vulaerrors.ErrCodePeerConflict, vulaerrors.ErrCodeGatewayConflict, vulaerrors.ErrCodeIdentityMismatch:
		return http.StatusConflict, "Resource conflict: " + msg

	case vulaerrors.ErrCodeConfiguration:
		return http.StatusServiceUnavailable, "Service is not ready: " + msg

	default:
		return http.StatusInternalServerError, "An internal server error occurred"
	}
}
