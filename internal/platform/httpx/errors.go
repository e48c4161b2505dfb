// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/mofresh/mofresh-erp/internal/shared"
)

var kindStatus = map[shared.Kind]int{
	shared.KindNotFound:          http.StatusNotFound,
	shared.KindInvalidStatus:     http.StatusBadRequest,
	shared.KindNoItems:           http.StatusBadRequest,
	shared.KindDuplicate:         http.StatusConflict,
	shared.KindOverpayment:       http.StatusBadRequest,
	shared.KindInvalidTransition: http.StatusConflict,
	shared.KindTransientLock:     http.StatusServiceUnavailable,
	shared.KindValidation:        http.StatusBadRequest,
	shared.KindProvider:          http.StatusBadGateway,
	shared.KindNumberConflict:    http.StatusConflict,
}

// StatusFor returns the HTTP status for a domain error kind.
func StatusFor(kind shared.Kind) int {
	if status, ok := kindStatus[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		JSON(w, http.StatusBadRequest, ProblemDetail{
			Title:   "Validation Failed",
			Status:  http.StatusBadRequest,
			Code:    string(shared.KindValidation),
			Detail:  "request failed validation",
			Details: map[string]any{"fields": fields},
		})
		return
	}

	kind := shared.KindOf(err)
	status := StatusFor(kind)
	if status == http.StatusInternalServerError {
		Problem(w, status, "Internal Error", "")
		return
	}

	problem := ProblemDetail{
		Title:  http.StatusText(status),
		Status: status,
		Code:   string(kind),
		Detail: err.Error(),
	}
	var appErr *shared.Error
	if errors.As(err, &appErr) {
		problem.Detail = appErr.Message
		problem.Details = appErr.Details
	}
	JSON(w, status, problem)
}
