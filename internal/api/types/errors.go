package types

import (
	"errors"
	"net/http"

	appErr "github.com/idp-studio/engine/pkg/errors"
)

func FromAppError(err error) *APIError {
	if err == nil {
		return nil
	}
	var e *appErr.AppError
	if errors.As(err, &e) {
		return &APIError{Code: string(e.Code), Message: e.Message}
	}
	return &APIError{Code: string(appErr.CodeUnknown), Message: err.Error()}
}

// HTTPStatus maps an error's classification onto a response status.
func HTTPStatus(err error) int {
	switch appErr.CodeOf(err) {
	case appErr.CodeNotFound:
		return http.StatusNotFound
	case appErr.CodeConflict:
		return http.StatusConflict
	case appErr.CodeInvalid, appErr.CodeClient, appErr.CodeRequestSetup:
		return http.StatusBadRequest
	case appErr.CodeUnauthorized:
		return http.StatusUnauthorized
	case appErr.CodeServer, appErr.CodeNetwork:
		return http.StatusBadGateway
	case appErr.CodeDeadline:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
