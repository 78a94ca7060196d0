// Package rotation owns credential selection and retry policy. The rotator
// never touches the network itself: provider calls are injected functions
// with a uniform per-credential signature.
package rotation

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/gluk-w/geminigate/internal/relay"
)

// ErrNoAvailableKeys means the whole search space, every eligible key on
// every reachable tier, was exhausted by recoverable failures. Callers
// must be able to tell this apart from an individual provider error (it is
// a capacity condition, not a backend defect).
var ErrNoAvailableKeys = errors.New("no available API keys for any model tier")

// ProviderCall performs one non-streaming backend call with one credential.
type ProviderCall func(ctx context.Context, key, model string, req *relay.ChatCompletionRequest) (*relay.CompletionResult, error)

// ProviderStream opens one streaming backend call with one credential.
// The contract is strict: an open error must surface before any event is
// produced. Once a channel is returned the attempt is committed (the
// response stream has been handed to a client whose headers cannot be
// renegotiated) and any later failure arrives as a terminal error event on
// the channel, never as a retried call.
type ProviderStream func(ctx context.Context, key, model string, req *relay.ChatCompletionRequest) (<-chan relay.Event, error)

// KeySource is the slice of the key store the rotator needs.
type KeySource interface {
	AvailableFor(model string) []string
	MarkExhausted(key, model string, cooldown time.Duration)
}

// Attempt identifies the (credential, model tier) pair that served a call.
type Attempt struct {
	Key   string
	Model string
}

const (
	rateLimitBackoff  = 100 * time.Millisecond
	timeoutJitterBase = 100 * time.Millisecond
	timeoutJitterSpan = 200 * time.Millisecond
)

type Rotator struct {
	keys     KeySource
	tiers    []string
	cooldown time.Duration // per-call override; 0 defers to the store default
	fallback bool
	sleep    func(ctx context.Context, d time.Duration) error
	jitter   func() time.Duration
}

type Option func(*Rotator)

// WithCooldown sets a per-credential cooldown override passed to
// MarkExhausted instead of the store default.
func WithCooldown(d time.Duration) Option {
	return func(r *Rotator) { r.cooldown = d }
}

// WithFallbackDisabled pins the search to the starting tier.
func WithFallbackDisabled(disabled bool) Option {
	return func(r *Rotator) { r.fallback = !disabled }
}

// WithSleep injects the backoff sleeper, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Rotator) { r.sleep = sleep }
}

// WithJitter injects the timeout-backoff jitter source, for tests.
func WithJitter(jitter func() time.Duration) Option {
	return func(r *Rotator) { r.jitter = jitter }
}

// New creates a rotator over the ordered model tier list, most capable
// first.
func New(keys KeySource, tiers []string, opts ...Option) *Rotator {
	r := &Rotator{
		keys:     keys,
		tiers:    tiers,
		fallback: true,
		sleep:    sleepCtx,
		jitter: func() time.Duration {
			return timeoutJitterBase + time.Duration(rand.Int63n(int64(timeoutJitterSpan)))
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Tiers returns the ordered model tier list.
func (r *Rotator) Tiers() []string {
	return append([]string(nil), r.tiers...)
}

// Generate runs the selection/retry loop around a non-streaming call.
func (r *Rotator) Generate(ctx context.Context, model string, req *relay.ChatCompletionRequest, call ProviderCall) (*relay.CompletionResult, Attempt, error) {
	var result *relay.CompletionResult
	attempt, err := r.rotate(ctx, model, func(key, tierModel string) error {
		res, callErr := call(ctx, key, tierModel, req)
		if callErr != nil {
			return callErr
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, Attempt{}, err
	}
	return result, attempt, nil
}

// OpenStream runs the selection/retry loop around opening a streaming call
// and returns the committed event channel. Rotation ends the moment a
// stream opens: per the ProviderStream contract there is no such thing as
// retrying after first byte.
func (r *Rotator) OpenStream(ctx context.Context, model string, req *relay.ChatCompletionRequest, stream ProviderStream) (<-chan relay.Event, Attempt, error) {
	var events <-chan relay.Event
	attempt, err := r.rotate(ctx, model, func(key, tierModel string) error {
		ch, openErr := stream(ctx, key, tierModel, req)
		if openErr != nil {
			return openErr
		}
		events = ch
		return nil
	})
	if err != nil {
		return nil, Attempt{}, err
	}
	return events, attempt, nil
}

// rotate walks tiers forward from the tier matching the requested model
// (tier 0 when unmatched), attempting each key in that tier's availability
// snapshot at most once, in the random order the store yields them.
func (r *Rotator) rotate(ctx context.Context, model string, try func(key, tierModel string) error) (Attempt, error) {
	start := 0
	for i, tier := range r.tiers {
		if tier == model {
			start = i
			break
		}
	}
	last := len(r.tiers) - 1
	if !r.fallback {
		last = start
	}

	for ti := start; ti <= last; ti++ {
		tierModel := r.tiers[ti]
		tried := make(map[string]bool)
		for _, key := range r.keys.AvailableFor(tierModel) {
			if tried[key] {
				continue
			}
			tried[key] = true

			err := try(key, tierModel)
			if err == nil {
				return Attempt{Key: key, Model: tierModel}, nil
			}

			switch classify(err) {
			case failureRateLimited:
				r.keys.MarkExhausted(key, tierModel, r.cooldown)
				if serr := r.sleep(ctx, rateLimitBackoff); serr != nil {
					return Attempt{}, serr
				}
			case failureTimeout:
				r.keys.MarkExhausted(key, tierModel, r.cooldown)
				if serr := r.sleep(ctx, r.jitter()); serr != nil {
					return Attempt{}, serr
				}
			default:
				// Fatal: propagate with its original classification so the
				// edge can map it to the right status.
				return Attempt{}, err
			}
		}
	}
	return Attempt{}, ErrNoAvailableKeys
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
