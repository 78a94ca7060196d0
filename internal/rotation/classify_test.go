package rotation

import (
	"errors"
	"fmt"
	"testing"
)

type statusErr struct {
	code int
	msg  string
}

func (e statusErr) Error() string   { return fmt.Sprintf("status %d: %s", e.code, e.msg) }
func (e statusErr) StatusCode() int { return e.code }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want failureKind
	}{
		{"http 429", statusErr{429, "too many requests"}, failureRateLimited},
		{"http 403", statusErr{403, "permission denied"}, failureRateLimited},
		{"http 524", statusErr{524, "origin timeout"}, failureTimeout},
		{"rate limit message", errors.New("Rate Limit reached for requests"), failureRateLimited},
		{"quota message", errors.New("Quota exceeded for quota metric"), failureRateLimited},
		{"exhausted message", errors.New("RESOURCE_EXHAUSTED: resource has been exhausted"), failureRateLimited},
		{"524 in message", errors.New("upstream returned 524"), failureTimeout},
		{"http 400", statusErr{400, "invalid argument"}, failureFatal},
		{"http 500", statusErr{500, "internal"}, failureFatal},
		{"http 401", statusErr{401, "unauthenticated"}, failureFatal},
		{"plain error", errors.New("connection refused"), failureFatal},
		{"wrapped status", fmt.Errorf("call failed: %w", statusErr{429, "slow down"}), failureRateLimited},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.err); got != tt.want {
				t.Errorf("classify(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
