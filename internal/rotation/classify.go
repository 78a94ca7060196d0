package rotation

import (
	"errors"
	"net/http"
	"strings"
)

// failureKind is the rotation-level classification of a provider error.
type failureKind int

const (
	// failureFatal propagates immediately; retrying would only mask a
	// genuine backend or request defect.
	failureFatal failureKind = iota
	// failureRateLimited is a rate-limit or quota rejection; the key cools
	// down and rotation continues.
	failureRateLimited
	// failureTimeout is an upstream gateway timeout; same remediation as a
	// rate limit but with jittered backoff so uncoordinated instances do
	// not retry in lockstep.
	failureTimeout
)

// StatusCoder exposes the upstream HTTP status of a provider error.
type StatusCoder interface {
	StatusCode() int
}

const statusUpstreamTimeout = 524 // Cloudflare-style origin timeout

func classify(err error) failureKind {
	var sc StatusCoder
	if errors.As(err, &sc) {
		switch sc.StatusCode() {
		case http.StatusTooManyRequests, http.StatusForbidden:
			return failureRateLimited
		case statusUpstreamTimeout:
			return failureTimeout
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "quota"),
		strings.Contains(msg, "exhaust"):
		return failureRateLimited
	case strings.Contains(msg, "524"):
		return failureTimeout
	}
	return failureFatal
}
