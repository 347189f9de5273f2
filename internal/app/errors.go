package app

import (
	"errors"
	"fmt"
	"net/http"

	"archboard/api/internal/auth"
	"archboard/api/internal/collab"
	"archboard/api/internal/session"
	"archboard/api/internal/viewstore"
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken), errors.Is(err, session.ErrTicketNotFound):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, viewstore.ErrViewNotFound):
		return http.StatusNotFound, "NOT_FOUND", "View not found", nil
	case errors.Is(err, collab.ErrUnknownNotification):
		return http.StatusNotFound, "NOT_FOUND", "Notification not found", nil
	case errors.Is(err, viewstore.ErrInvalidViewID):
		return http.StatusBadRequest, "INVALID_VIEW_ID", err.Error(), nil
	case errors.Is(err, viewstore.ErrInvalidContent),
		errors.Is(err, collab.ErrInvalidMessage),
		errors.Is(err, collab.ErrInvalidSeverity),
		errors.Is(err, collab.ErrInvalidRecipient):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, collab.ErrPersistence):
		return http.StatusServiceUnavailable, "PERSISTENCE_FAILURE", "Failed to persist, try again", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
