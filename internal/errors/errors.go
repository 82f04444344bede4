package errors

import (
	"fmt"
	"time"
)

/**
 * Custom error types for the OCR pipeline worker.
 *
 * Every terminal failure carries an ErrorCode plus structured detail so the
 * enclosing job record is diagnosable without log archaeology.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Document errors (non-retryable)
	ErrorEmptyPDF ErrorCode = "EMPTY_PDF"
	ErrorPDFParse ErrorCode = "PDF_PARSE_ERROR"

	// Chunk OCR errors (retryable at the dispatch layer)
	ErrorOCRProvider ErrorCode = "OCR_PROVIDER_ERROR"

	// Recombination errors (non-retryable)
	ErrorMergeValidation ErrorCode = "MERGE_VALIDATION_ERROR"
	ErrorPageValidation  ErrorCode = "PAGE_VALIDATION_ERROR"

	// Infrastructure errors
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"
	ErrorStorageFailed     ErrorCode = "STORAGE_FAILED"
)

// ProcessingError represents a structured processing error
type ProcessingError struct {
	Code      ErrorCode
	Message   string
	JobID     string
	Timestamp time.Time
	Details   map[string]interface{}
	Cause     error

	// Permanent suppresses retry for codes that are otherwise retryable,
	// e.g. a provider 4xx that will fail identically on every attempt.
	Permanent bool
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the dispatch layer may retry the failed unit of
// work. Only transient provider failures qualify; everything else is terminal
// for the document.
func (e *ProcessingError) Retryable() bool {
	return e.Code == ErrorOCRProvider && !e.Permanent
}

// IsRetryable reports whether err is a retryable ProcessingError.
func IsRetryable(err error) bool {
	if pe, ok := err.(*ProcessingError); ok {
		return pe.Retryable()
	}
	return false
}

// CodeOf returns the ErrorCode carried by err, or "" for foreign errors.
func CodeOf(err error) ErrorCode {
	if pe, ok := err.(*ProcessingError); ok {
		return pe.Code
	}
	return ""
}

// Factory functions for common errors

func NewEmptyPDFError(jobID string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorEmptyPDF,
		Message:   "Document has zero pages",
		JobID:     jobID,
		Timestamp: time.Now(),
	}
}

func NewPDFParseError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorPDFParse,
		Message:   "Document bytes are not a parseable PDF",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

func NewOCRProviderError(jobID string, chunkIndex int, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorOCRProvider,
		Message:   fmt.Sprintf("OCR provider failed for chunk %d", chunkIndex),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"chunk_index": chunkIndex,
		},
		Cause: cause,
	}
}

// NewOCRProviderPermanentError reports a provider failure that retrying
// cannot fix, such as a contract rejection of the request itself.
func NewOCRProviderPermanentError(jobID string, chunkIndex int, cause error) *ProcessingError {
	e := NewOCRProviderError(jobID, chunkIndex, cause)
	e.Permanent = true
	return e
}

func NewMergeValidationError(jobID string, message string, details map[string]interface{}) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorMergeValidation,
		Message:   message,
		JobID:     jobID,
		Timestamp: time.Now(),
		Details:   details,
	}
}

// NewPageValidationError wraps a range-check failure from the validator. The
// offending box, page and the expected range travel in Details so the job
// record alone is enough for operator diagnosis.
func NewPageValidationError(jobID string, boxID string, page int, totalPages int, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorPageValidation,
		Message:   fmt.Sprintf("Merged bounding box %s has absolute page %d outside [1,%d]", boxID, page, totalPages),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"bounding_box_id": boxID,
			"page":            page,
			"expected_min":    1,
			"expected_max":    totalPages,
		},
		Cause: cause,
	}
}

func NewProcessingTimeoutError(jobID string, duration time.Duration, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorProcessingTimeout,
		Message:   fmt.Sprintf("Processing timed out after %v", duration),
		JobID:     jobID,
		Timestamp: time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewStorageFailedError(jobID string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorStorageFailed,
		Message:   "Failed to store processing results",
		JobID:     jobID,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// ToMap converts error to map for database storage
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
