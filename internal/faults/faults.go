// Package faults classifies pipeline errors into the retryable/permanent
// taxonomy that drives queue redelivery and dead-letter routing.
package faults

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/smithy-go"

	"github.com/tendant/simple-trickplay/pkg/schema"
)

// PermanentError marks a failure retrying cannot fix. The worker loop routes
// messages carrying one straight to the dead-letter queue.
type PermanentError struct {
	Type schema.FailureType
	Err  error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a non-retryable failure.
func Permanent(err error) error {
	return &PermanentError{Type: schema.FailureTypePermanent, Err: err}
}

// Validationf reports a structurally invalid input. Validation failures are
// permanent: redelivering the same malformed message cannot succeed.
func Validationf(format string, args ...any) error {
	return &PermanentError{Type: schema.FailureTypeValidation, Err: fmt.Errorf(format, args...)}
}

// Conflict reports a stale-writer consistency conflict. The invocation
// abandons its write and trusts the newer writer to complete.
func Conflict(err error) error {
	return &PermanentError{Type: schema.FailureTypeConflict, Err: err}
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return true
	}
	if code := apiErrorCode(err); code != "" {
		return permanentCodes[code]
	}
	return false
}

// IsThrottle reports whether err is a provider rate-limit response. Throttles
// are retryable but warrant a longer backoff than plain transient failures.
func IsThrottle(err error) bool {
	return throttleCodes[apiErrorCode(err)]
}

// Classify maps an error to the failure type reported in events and metrics.
func Classify(err error) schema.FailureType {
	if err == nil {
		return ""
	}

	var pe *PermanentError
	if errors.As(err, &pe) {
		return pe.Type
	}

	if code := apiErrorCode(err); code != "" {
		if permanentCodes[code] {
			return schema.FailureTypePermanent
		}
		return schema.FailureTypeRetryable
	}

	// Filesystem and extraction-binary errors that no retry will fix.
	msg := err.Error()
	if strings.Contains(msg, "no such file") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "not found in PATH") {
		return schema.FailureTypePermanent
	}

	return schema.FailureTypeRetryable
}

func apiErrorCode(err error) string {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return ae.ErrorCode()
	}
	return ""
}

// permanentCodes are AWS API errors where the request itself is at fault.
var permanentCodes = map[string]bool{
	"NoSuchDistribution": true,
	"NoSuchBucket":       true,
	"NoSuchKey":          true,
	"InvalidArgument":    true,
	"AccessDenied":       true,
	"ValidationError":    true,
}

// throttleCodes are rate-limit responses that must be retried with backoff,
// never dropped.
var throttleCodes = map[string]bool{
	"Throttling":                    true,
	"ThrottlingException":           true,
	"TooManyInvalidationsInProgress": true,
	"RequestLimitExceeded":          true,
	"SlowDown":                      true,
	"ServiceUnavailable":            true,
}
