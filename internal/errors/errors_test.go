package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapKeepsCodeThroughChain(t *testing.T) {
	cause := stdErrors.New("rpc down")
	err := fmt.Errorf("hire: %w", Wrap(CodePaymentFailed, cause, "transfer rejected"))

	assert.Equal(t, CodePaymentFailed, CodeOf(err))
	assert.True(t, HasCode(err, CodePaymentFailed))
	assert.True(t, stdErrors.Is(err, cause))
	assert.True(t, stdErrors.Is(err, New(CodePaymentFailed, "")))
	assert.True(t, ShouldAlert(err))
	assert.False(t, RetryableError(err))
}

func TestOptionsOverrideAttributes(t *testing.T) {
	err := New(CodePlanningFailed, "", WithRetryable(false), WithSeverity(SeverityCritical), WithMetadata("run_id", "r-1"))

	require.Equal(t, "task planning failed", err.Message())
	assert.False(t, err.Retryable())
	assert.Equal(t, SeverityCritical, err.Severity())
	assert.Equal(t, map[string]string{"run_id": "r-1"}, err.Metadata())
}

func TestUnregisteredCodeFallsBackToUnknown(t *testing.T) {
	attr := AttributesOf(Code("NOPE"))
	assert.Equal(t, AttributesOf(CodeUnknown), attr)
	assert.Equal(t, CodeUnknown, CodeOf(stdErrors.New("plain")))
}
