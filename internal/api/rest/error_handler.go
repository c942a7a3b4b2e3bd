package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	apperrors "github.com/davidleathers/financing-ledger-backend/internal/domain/errors"
)

const (
	codeValidation   = "VALIDATION_ERROR"
	codeInvalidJSON  = "INVALID_JSON"
	codeRateLimited  = "RATE_LIMIT_EXCEEDED"
	codeTimeout      = "REQUEST_TIMEOUT"
	codeCanceled     = "REQUEST_CANCELED"
	codeNotFound     = "ROUTE_NOT_FOUND"
	codeContractFail = "CONTRACT_VIOLATION"
)

// ValidationError is a request that failed decoding or field validation
// before reaching the ledger.
type ValidationError struct {
	Message string
	Fields  map[string][]string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// mapError converts an error into a status code and error body. AppErrors
// keep their code and status; anything unknown becomes a 500 without leaking
// its message.
func mapError(err error) (int, *ErrorResponse) {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return http.StatusBadRequest, &ErrorResponse{
			Code:    codeValidation,
			Message: validationErr.Message,
			Fields:  validationErr.Fields,
		}
	}

	var violation *ContractViolation
	if errors.As(err, &violation) {
		return http.StatusBadRequest, &ErrorResponse{
			Code:    codeContractFail,
			Message: violation.Error(),
		}
	}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		status := appErr.StatusCode
		if status == 0 {
			status = http.StatusInternalServerError
		}
		resp := &ErrorResponse{
			Code:      appErr.Code,
			Message:   appErr.Message,
			Details:   appErr.Details,
			Retryable: appErr.Retryable,
		}
		if status == http.StatusInternalServerError {
			resp.Message = "An internal error occurred"
			resp.Details = nil
		}
		return status, resp
	}

	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return http.StatusBadRequest, &ErrorResponse{
			Code:    codeInvalidJSON,
			Message: fmt.Sprintf("Invalid JSON syntax at position %d", syntaxErr.Offset),
		}
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return http.StatusBadRequest, &ErrorResponse{
			Code:    codeInvalidJSON,
			Message: fmt.Sprintf("Invalid type for field '%s'", typeErr.Field),
		}
	}

	if errors.Is(err, errRouteNotFound) {
		return http.StatusNotFound, &ErrorResponse{Code: codeNotFound, Message: "No route matches the request"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, &ErrorResponse{Code: codeTimeout, Message: "Request timed out", Retryable: true}
	}
	if errors.Is(err, context.Canceled) {
		// 499 in nginx terms; the client is gone so the status is mostly for logs
		return 499, &ErrorResponse{Code: codeCanceled, Message: "Request was canceled"}
	}

	return http.StatusInternalServerError, &ErrorResponse{
		Code:    apperrors.CodeInternal,
		Message: "An internal error occurred",
	}
}
