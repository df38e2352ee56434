package app

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"auditdesk/api/internal/export"
	"auditdesk/api/internal/generate"
	"auditdesk/api/internal/genlock"
	"auditdesk/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func invalidAnswer(uid string, err error) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Answer does not match the field type",
		map[string]any{"uid": uid, "reason": err.Error()})
}

func procedureNotFound(procedureID string) *DomainError {
	return domainError(http.StatusNotFound, "PROCEDURE_NOT_FOUND", "Procedure not found", map[string]any{"procedureId": procedureID})
}

func fieldNotFound(uid string) *DomainError {
	return domainError(http.StatusNotFound, "FIELD_NOT_FOUND", "Field not found", map[string]any{"uid": uid})
}

func procedureConflict(procedureID string) *DomainError {
	return domainError(http.StatusConflict, "PROCEDURE_CONFLICT", "Procedure was changed elsewhere; reload and try again",
		map[string]any{"procedureId": procedureID})
}

func isConflict(err error) bool {
	var de *DomainError
	return errors.As(err, &de) && de.Code == "PROCEDURE_CONFLICT"
}

func procedureLocked(procedureID string) *DomainError {
	return domainError(http.StatusConflict, "PROCEDURE_LOCKED", "Procedure is locked", map[string]any{"procedureId": procedureID})
}

// mapError turns a service error into status, code, message and details.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Code, codeForStatus(httpErr.Code), fmt.Sprint(httpErr.Message), nil
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, genlock.ErrBusy):
		return http.StatusConflict, "GENERATION_IN_PROGRESS", "Generation already in progress", nil
	case errors.Is(err, generate.ErrNoTemplate):
		return http.StatusNotFound, "TEMPLATE_NOT_FOUND", err.Error(), nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "format must be 'pdf', 'docx' or 'html'", nil
	case errors.Is(err, export.ErrPDFDependencyMissing), errors.Is(err, export.ErrDOCXDependencyMissing):
		return http.StatusNotImplemented, "EXPORT_UNAVAILABLE", err.Error(), nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	case http.StatusForbidden:
		return "FORBIDDEN"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	case http.StatusRequestEntityTooLarge:
		return "BODY_TOO_LARGE"
	default:
		if text := http.StatusText(status); text != "" {
			return strings.ToUpper(strings.ReplaceAll(text, " ", "_"))
		}
		return "SERVER_ERROR"
	}
}

// errorHandler renders every handler error as {"code","error","details"}.
func errorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status, code, message, details := mapError(err)
		if status >= http.StatusInternalServerError {
			logger.Error().Err(err).
				Str("method", c.Request().Method).
				Str("path", c.Request().URL.Path).
				Msg("request failed")
		}
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		response := map[string]any{
			"code":  code,
			"error": message,
		}
		if details != nil {
			response["details"] = details
		}
		_ = c.JSON(status, response)
	}
}
