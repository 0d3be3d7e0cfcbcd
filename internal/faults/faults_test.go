package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/smithy-go"

	"github.com/tendant/simple-trickplay/pkg/schema"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want schema.FailureType
	}{
		{"nil", nil, ""},
		{"plain error", errors.New("connection reset"), schema.FailureTypeRetryable},
		{"context deadline", context.DeadlineExceeded, schema.FailureTypeRetryable},
		{"validation", Validationf("bad input"), schema.FailureTypeValidation},
		{"permanent wrapper", Permanent(errors.New("no playable output")), schema.FailureTypePermanent},
		{"conflict", Conflict(errors.New("etag mismatch")), schema.FailureTypeConflict},
		{"wrapped permanent", fmt.Errorf("probe: %w", Permanent(errors.New("x"))), schema.FailureTypePermanent},
		{"missing bucket", &smithy.GenericAPIError{Code: "NoSuchBucket"}, schema.FailureTypePermanent},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, schema.FailureTypePermanent},
		{"throttle", &smithy.GenericAPIError{Code: "Throttling"}, schema.FailureTypeRetryable},
		{"slow down", &smithy.GenericAPIError{Code: "SlowDown"}, schema.FailureTypeRetryable},
		{"internal error", &smithy.GenericAPIError{Code: "InternalError"}, schema.FailureTypeRetryable},
		{"missing binary", errors.New(`exec: "ffprobe": executable file not found in PATH`), schema.FailureTypePermanent},
		{"missing file", errors.New("open /tmp/x: no such file or directory"), schema.FailureTypePermanent},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

func TestIsPermanent(t *testing.T) {
	if IsPermanent(errors.New("transient")) {
		t.Fatal("plain errors must stay retryable")
	}
	if !IsPermanent(Validationf("bad")) {
		t.Fatal("validation errors are permanent")
	}
	if !IsPermanent(fmt.Errorf("read: %w", &smithy.GenericAPIError{Code: "NoSuchKey"})) {
		t.Fatal("NoSuchKey through wrapping is permanent")
	}
	if IsPermanent(&smithy.GenericAPIError{Code: "ServiceUnavailable"}) {
		t.Fatal("rate limits must never be permanent")
	}
}

func TestIsThrottle(t *testing.T) {
	if !IsThrottle(&smithy.GenericAPIError{Code: "TooManyInvalidationsInProgress"}) {
		t.Fatal("invalidation limit is a throttle")
	}
	if !IsThrottle(fmt.Errorf("create: %w", &smithy.GenericAPIError{Code: "ThrottlingException"})) {
		t.Fatal("throttle through wrapping")
	}
	if IsThrottle(errors.New("connection reset")) {
		t.Fatal("plain errors are not throttles")
	}
}

func TestPermanentErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Permanent(cause)
	if !errors.Is(err, cause) {
		t.Fatal("Unwrap must expose the cause")
	}
	if err.Error() != "root cause" {
		t.Fatalf("unexpected message: %s", err.Error())
	}
}
