package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOnlyProviderErrorsAreRetryable(t *testing.T) {
	cases := []struct {
		err       *ProcessingError
		retryable bool
	}{
		{NewEmptyPDFError("job-1"), false},
		{NewPDFParseError("job-1", fmt.Errorf("bad xref")), false},
		{NewOCRProviderError("job-1", 2, fmt.Errorf("503")), true},
		{NewOCRProviderPermanentError("job-1", 2, fmt.Errorf("400")), false},
		{NewMergeValidationError("job-1", "missing chunk", nil), false},
		{NewPageValidationError("job-1", "box-9", 76, 75, nil), false},
		{NewStorageFailedError("job-1", fmt.Errorf("conn reset")), false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.retryable, tc.err.Retryable(), "code %s", tc.err.Code)
		assert.Equal(t, tc.retryable, IsRetryable(tc.err), "code %s", tc.err.Code)
	}
}

func TestIsRetryableForeignError(t *testing.T) {
	assert.False(t, IsRetryable(fmt.Errorf("plain error")))
	assert.False(t, IsRetryable(nil))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrorEmptyPDF, CodeOf(NewEmptyPDFError("job-1")))
	assert.Equal(t, ErrorCode(""), CodeOf(fmt.Errorf("plain")))
}

func TestUnwrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := NewPDFParseError("job-1", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "PDF_PARSE_ERROR")
	assert.Contains(t, err.Error(), "root cause")
}

func TestPageValidationErrorDetails(t *testing.T) {
	err := NewPageValidationError("job-1", "box-42", 76, 75, nil)

	m := err.ToMap()
	assert.Equal(t, "PAGE_VALIDATION_ERROR", m["error_code"])
	assert.Equal(t, "box-42", m["bounding_box_id"])
	assert.Equal(t, 76, m["page"])
	assert.Equal(t, 1, m["expected_min"])
	assert.Equal(t, 75, m["expected_max"])
}

func TestToMapIncludesCause(t *testing.T) {
	err := NewStorageFailedError("job-1", fmt.Errorf("disk full"))

	m := err.ToMap()
	require.Contains(t, m, "cause")
	assert.Equal(t, "disk full", m["cause"])
}
