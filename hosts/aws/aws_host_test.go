package hosts

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/aws/smithy-go"

	"github.com/whisthq/whist/backend/webserver/hosts"
	"github.com/whisthq/whist/backend/webserver/utils"
)

func TestClassifyProviderError(t *testing.T) {
	var tests = []struct {
		name string
		err  error
		want error
	}{
		{"throttling is transient", &smithy.GenericAPIError{Code: "RequestLimitExceeded"}, hosts.ErrProviderTransient},
		{"missing capacity is transient", &smithy.GenericAPIError{Code: "InsufficientInstanceCapacity"}, hosts.ErrProviderTransient},
		{"eventual consistency is transient", &smithy.GenericAPIError{Code: "InvalidInstanceID.NotFound"}, hosts.ErrProviderTransient},
		{"quota exceeded is fatal", &smithy.GenericAPIError{Code: "InstanceLimitExceeded"}, hosts.ErrProviderFatal},
		{"bad image is fatal", &smithy.GenericAPIError{Code: "InvalidAMIID.NotFound"}, hosts.ErrProviderFatal},
		{"network error is transient", utils.MakeError("connection reset"), hosts.ErrProviderTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyProviderError(tt.err)
			if !errors.Is(got, tt.want) {
				t.Errorf("classifyProviderError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

// shrinkRetryWaits makes the backoff waits negligible for the duration of a
// test.
func shrinkRetryWaits(t *testing.T) {
	t.Helper()

	initialWait, maxWait := INITIAL_WAIT_BEFORE_RETRY, MAX_WAIT_BEFORE_RETRY
	INITIAL_WAIT_BEFORE_RETRY = time.Millisecond
	MAX_WAIT_BEFORE_RETRY = 2 * time.Millisecond
	t.Cleanup(func() {
		INITIAL_WAIT_BEFORE_RETRY = initialWait
		MAX_WAIT_BEFORE_RETRY = maxWait
	})
}

func TestRetryWithBackoffStopsOnFatal(t *testing.T) {
	calls := 0
	err := retryWithBackoff(context.Background(), func() error {
		calls++
		return &smithy.GenericAPIError{Code: "InstanceLimitExceeded"}
	})

	if !errors.Is(err, hosts.ErrProviderFatal) {
		t.Errorf("expected fatal error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected a single attempt before giving up, got %v", calls)
	}
}

func TestRetryWithBackoffEventuallySucceeds(t *testing.T) {
	shrinkRetryWaits(t)

	calls := 0
	err := retryWithBackoff(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &smithy.GenericAPIError{Code: "RequestLimitExceeded"}
		}
		return nil
	})

	if err != nil {
		t.Errorf("expected success after retries, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %v", calls)
	}
}

func TestRetryWithBackoffRetriesTransientToTheLimit(t *testing.T) {
	shrinkRetryWaits(t)

	calls := 0
	err := retryWithBackoff(context.Background(), func() error {
		calls++
		return &smithy.GenericAPIError{Code: "RequestLimitExceeded"}
	})

	if !errors.Is(err, hosts.ErrProviderTransient) {
		t.Errorf("expected a transient error after exhausting retries, got %v", err)
	}
	if want := MAX_RETRY_ATTEMPTS + 1; calls != want {
		t.Errorf("expected %v attempts (the first plus %v retries), got %v", want, MAX_RETRY_ATTEMPTS, calls)
	}
}

func TestDrainAccepted(t *testing.T) {
	var tests = []struct {
		statusCode int
		want       bool
	}{
		{http.StatusOK, true},
		{http.StatusAccepted, true},
		{http.StatusNoContent, true},
		{http.StatusMovedPermanently, false},
		{http.StatusNotFound, false},
		{http.StatusServiceUnavailable, false},
	}

	for _, tt := range tests {
		if got := drainAccepted(tt.statusCode); got != tt.want {
			t.Errorf("drainAccepted(%v) = %v, want %v", tt.statusCode, got, tt.want)
		}
	}
}
