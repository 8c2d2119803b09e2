package app

import (
	"fmt"
	"net/http"
)

// DomainError is an error with the HTTP status and code it is reported with.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	Err     error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

var (
	errPromptNotFound   = domainError(http.StatusNotFound, "NOT_FOUND", "Prompt not found", nil)
	errSectionNotFound  = domainError(http.StatusNotFound, "NOT_FOUND", "Section not found", nil)
	errSnapshotNotFound = domainError(http.StatusNotFound, "NOT_FOUND", "Snapshot not found", nil)
	errStorageFailure   = domainError(http.StatusInsufficientStorage, "STORAGE_FAILURE", "Local storage rejected the write", nil)
	errSyncDisabled     = domainError(http.StatusServiceUnavailable, "SYNC_DISABLED", "Remote store not configured", nil)
	errBackupDisabled   = domainError(http.StatusServiceUnavailable, "BACKUP_DISABLED", "Snapshot storage not configured", nil)
	errHistoryDisabled  = domainError(http.StatusServiceUnavailable, "HISTORY_DISABLED", "Revision history not configured", nil)
)

func duplicateSection(id string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR",
		"section ids must be unique", map[string]any{"sectionId": id})
}

// syncFailed keeps the pass report so the client can see partial progress.
func syncFailed(err error, report any) *DomainError {
	e := domainError(http.StatusBadGateway, "SYNC_FAILED", err.Error(), report)
	e.Err = err
	return e
}
