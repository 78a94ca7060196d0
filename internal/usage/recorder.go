// Package usage keeps the append-only log of per-call token usage, pruned
// by a retention window and aggregable by credential and by model.
package usage

import (
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/gluk-w/geminigate/internal/store"
	"github.com/samber/lo"
)

// Persister is the durable whole-document store behind the recorder.
type Persister interface {
	Save(key string, value []byte) error
	Load(key string) ([]byte, error)
}

// DocKey is the document name the usage log persists under.
const DocKey = "usage_log"

// DefaultRetention is how long records are kept.
const DefaultRetention = 7 * 24 * time.Hour

// AnonymousKey groups records that carry no credential identity.
const AnonymousKey = "anonymous"

// Record is one usage entry. Key holds the raw credential; it is masked at
// presentation time, never in the log itself. Timestamps are unix
// milliseconds in the persisted layout.
type Record struct {
	Key          string `json:"key,omitempty"`
	Model        string `json:"model"`
	InputTokens  int64  `json:"inputTokens"`
	OutputTokens int64  `json:"outputTokens"`
	Timestamp    int64  `json:"timestamp"`
}

type Recorder struct {
	mu        sync.Mutex
	records   []Record
	persist   Persister
	retention time.Duration
	now       func() time.Time
}

type Option func(*Recorder)

// WithRetention overrides the retention window.
func WithRetention(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.retention = d
		}
	}
}

// WithNow injects the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// New creates a recorder and restores the persisted log. A missing or
// corrupt document yields an empty log; stale entries are pruned on load.
func New(persist Persister, opts ...Option) *Recorder {
	r := &Recorder{
		persist:   persist,
		retention: DefaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.restore()
	return r
}

// Add appends one record (stamping the current time when unset), prunes
// anything older than the retention window and kicks off a best-effort
// persistence write.
func (r *Recorder) Add(rec Record) {
	r.mu.Lock()
	if rec.Timestamp == 0 {
		rec.Timestamp = r.now().UnixMilli()
	}
	r.records = append(r.records, rec)
	r.pruneLocked()
	r.mu.Unlock()
	r.persistAsync()
}

func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func (r *Recorder) pruneLocked() {
	cutoff := r.now().Add(-r.retention).UnixMilli()
	kept := r.records[:0]
	for _, rec := range r.records {
		if rec.Timestamp >= cutoff {
			kept = append(kept, rec)
		}
	}
	r.records = kept
}

// KeySummary aggregates usage per credential. Key is masked.
type KeySummary struct {
	Key          string `json:"key"`
	Calls        int    `json:"calls"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	LastUsed     string `json:"last_used"`
}

// KeySummaries groups the log by credential identity (records without one
// under "anonymous"), sorted by call count descending.
func (r *Recorder) KeySummaries() []KeySummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	groups := lo.GroupBy(r.records, func(rec Record) string { return rec.Key })
	summaries := make([]KeySummary, 0, len(groups))
	for key, recs := range groups {
		name := AnonymousKey
		if key != "" {
			name = store.MaskKey(key)
		}
		s := KeySummary{Key: name, Calls: len(recs)}
		var last int64
		for _, rec := range recs {
			s.InputTokens += rec.InputTokens
			s.OutputTokens += rec.OutputTokens
			if rec.Timestamp > last {
				last = rec.Timestamp
			}
		}
		s.LastUsed = time.UnixMilli(last).UTC().Format(time.RFC3339)
		summaries = append(summaries, s)
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].Calls != summaries[j].Calls {
			return summaries[i].Calls > summaries[j].Calls
		}
		return summaries[i].Key < summaries[j].Key
	})
	return summaries
}

// ModelTotal aggregates usage per model identifier.
type ModelTotal struct {
	Model        string `json:"model"`
	Calls        int    `json:"calls"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// ModelTotals groups the log by model, sorted by call count descending.
func (r *Recorder) ModelTotals() []ModelTotal {
	r.mu.Lock()
	defer r.mu.Unlock()

	groups := lo.GroupBy(r.records, func(rec Record) string { return rec.Model })
	totals := make([]ModelTotal, 0, len(groups))
	for model, recs := range groups {
		t := ModelTotal{Model: model, Calls: len(recs)}
		for _, rec := range recs {
			t.InputTokens += rec.InputTokens
			t.OutputTokens += rec.OutputTokens
		}
		totals = append(totals, t)
	}
	sort.Slice(totals, func(i, j int) bool {
		if totals[i].Calls != totals[j].Calls {
			return totals[i].Calls > totals[j].Calls
		}
		return totals[i].Model < totals[j].Model
	})
	return totals
}

// Prune drops stale records and re-persists. Called from the maintenance
// job; Add already prunes inline.
func (r *Recorder) Prune() {
	r.mu.Lock()
	r.pruneLocked()
	r.mu.Unlock()
	r.persistAsync()
}

func (r *Recorder) restore() {
	if r.persist == nil {
		return
	}
	raw, err := r.persist.Load(DocKey)
	if err != nil || len(raw) == 0 {
		return
	}
	var records []Record
	if err := json.Unmarshal(raw, &records); err != nil {
		log.Printf("usage: ignoring corrupt usage document: %v", err)
		return
	}
	r.mu.Lock()
	r.records = records
	r.pruneLocked()
	r.mu.Unlock()
}

func (r *Recorder) persistAsync() {
	if r.persist == nil {
		return
	}
	r.mu.Lock()
	snapshot := append([]Record(nil), r.records...)
	r.mu.Unlock()

	go func() {
		raw, err := json.Marshal(snapshot)
		if err != nil {
			log.Printf("usage: marshal log: %v", err)
			return
		}
		if err := r.persist.Save(DocKey, raw); err != nil {
			log.Printf("usage: persist log: %v", err)
		}
	}()
}
