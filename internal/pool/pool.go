// Package pool is the simpler rotation strategy for long-lived structured
// credentials (OAuth token sets rather than opaque key strings): fixed-order
// round robin with invalidation after repeated errors and timed
// auto-recovery.
package pool

import (
	"errors"
	"sync"
	"time"

	"github.com/gluk-w/geminigate/internal/store"
)

// ErrPoolExhausted means every entry is currently invalidated.
var ErrPoolExhausted = errors.New("credential pool exhausted")

// DefaultWindow is how long an invalidated entry stays out of rotation.
const DefaultWindow = time.Hour

// DefaultErrorThreshold invalidates an entry after this many consecutive
// reported errors.
const DefaultErrorThreshold = 3

// Credential is an OAuth-derived credential object.
type Credential struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	ProjectID    string
}

// Expired reports whether the access token is past its expiry.
func (c *Credential) Expired(now time.Time) bool {
	return !c.Expiry.IsZero() && now.After(c.Expiry)
}

type entry struct {
	cred          *Credential
	errorCount    int
	invalidatedAt time.Time // zero = valid
}

// Pool is a fixed-order round robin over credential entries. The entry set
// is immutable after construction; only the invalidation annotations change.
type Pool struct {
	mu        sync.Mutex
	entries   []*entry
	cursor    int
	window    time.Duration
	threshold int
	now       func() time.Time
}

type Option func(*Pool)

// WithWindow overrides the invalidation cooldown window.
func WithWindow(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.window = d
		}
	}
}

// WithErrorThreshold overrides the consecutive-error threshold.
func WithErrorThreshold(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.threshold = n
		}
	}
}

// WithNow injects the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

func New(creds []*Credential, opts ...Option) *Pool {
	p := &Pool{
		window:    DefaultWindow,
		threshold: DefaultErrorThreshold,
		now:       time.Now,
	}
	for _, c := range creds {
		p.entries = append(p.entries, &entry{cred: c})
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) Size() int {
	return len(p.entries)
}

// Next returns the next usable credential and its index. The scan starts at
// the cursor and examines at most Size() candidates; entries with an expired
// access token are skipped, and an invalidated entry whose cooldown window
// has elapsed is re-enabled and accepted. The cursor itself advances by
// exactly one position per call no matter what was accepted or skipped,
// keeping selection order stable and fair.
func (p *Pool) Next() (*Credential, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.entries)
	if n == 0 {
		return nil, 0, ErrPoolExhausted
	}

	start := p.cursor
	p.cursor = (p.cursor + 1) % n

	now := p.now()
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		e := p.entries[idx]
		if e.cred.Expired(now) {
			// An expired token is unusable until refreshed; no window applies.
			continue
		}
		if e.invalidatedAt.IsZero() {
			return e.cred, idx, nil
		}
		if now.Sub(e.invalidatedAt) > p.window {
			// Timed auto-recovery: the window elapsed, re-enable.
			e.invalidatedAt = time.Time{}
			e.errorCount = 0
			return e.cred, idx, nil
		}
	}
	return nil, 0, ErrPoolExhausted
}

// MarkInvalid takes the entry at idx out of rotation. Idempotent: an entry
// that is already invalidated keeps its original invalidation time.
func (p *Pool) MarkInvalid(idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.entries) {
		return
	}
	e := p.entries[idx]
	if e.invalidatedAt.IsZero() {
		e.invalidatedAt = p.now()
	}
}

// ReportError records one failed call against the entry at idx. The pool
// never inspects provider responses itself; the calling collaborator decides
// what counts as an error. Crossing the threshold invalidates the entry.
func (p *Pool) ReportError(idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.entries) {
		return
	}
	e := p.entries[idx]
	e.errorCount++
	if e.errorCount >= p.threshold && e.invalidatedAt.IsZero() {
		e.invalidatedAt = p.now()
	}
}

// ReportSuccess resets the consecutive-error streak for the entry at idx.
// It never clears an invalidation; recovery is time-based only.
func (p *Pool) ReportSuccess(idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.entries) {
		return
	}
	p.entries[idx].errorCount = 0
}

// EntryInfo is the masked observability view of one pool entry.
type EntryInfo struct {
	Credential    string `json:"credential"`
	ProjectID     string `json:"project_id,omitempty"`
	ErrorCount    int    `json:"error_count"`
	Invalidated   bool   `json:"invalidated"`
	InvalidatedAt string `json:"invalidated_at,omitempty"`
}

// Snapshot returns the masked state of the pool. Token material never
// appears in the result.
func (p *Pool) Snapshot() []EntryInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	infos := make([]EntryInfo, 0, len(p.entries))
	for _, e := range p.entries {
		info := EntryInfo{
			Credential: store.MaskKey(e.cred.AccessToken),
			ProjectID:  e.cred.ProjectID,
			ErrorCount: e.errorCount,
		}
		if !e.invalidatedAt.IsZero() {
			info.Invalidated = true
			info.InvalidatedAt = e.invalidatedAt.UTC().Format(time.RFC3339)
		}
		infos = append(infos, info)
	}
	return infos
}
