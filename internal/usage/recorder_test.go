package usage

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakePersister struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func newFakePersister() *fakePersister {
	return &fakePersister{docs: make(map[string][]byte)}
}

func (p *fakePersister) Save(key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.docs[key] = append([]byte(nil), value...)
	return nil
}

func (p *fakePersister) Load(key string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.docs[key], nil
}

func TestAddStampsTimestamp(t *testing.T) {
	now := time.Unix(1700000000, 0)
	r := New(nil, WithNow(func() time.Time { return now }))

	r.Add(Record{Model: "gemini-2.5-pro", InputTokens: 10, OutputTokens: 5})
	if got := r.Count(); got != 1 {
		t.Fatalf("Count() = %d, want 1", got)
	}
	summaries := r.KeySummaries()
	if summaries[0].LastUsed != now.UTC().Format(time.RFC3339) {
		t.Errorf("LastUsed = %s", summaries[0].LastUsed)
	}
}

// Scenario: entries older than the retention window are pruned both when
// the log is restored and on the next Add.
func TestPruneOnLoadAndAdd(t *testing.T) {
	now := time.Unix(1700000000, 0)
	stale := now.Add(-8 * 24 * time.Hour).UnixMilli()
	fresh := now.Add(-time.Hour).UnixMilli()

	p := newFakePersister()
	raw, _ := json.Marshal([]Record{
		{Model: "gemini-2.5-pro", Timestamp: stale},
		{Model: "gemini-2.5-pro", Timestamp: stale},
		{Model: "gemini-2.5-flash", Timestamp: fresh},
	})
	p.docs[DocKey] = raw

	r := New(p, WithNow(func() time.Time { return now }))
	if got := r.Count(); got != 1 {
		t.Fatalf("Count() after load = %d, want 1 (stale entries pruned)", got)
	}

	// A record that ages out between calls is pruned by the next Add.
	r.Add(Record{Model: "gemini-2.5-flash", Timestamp: now.Add(-6 * 24 * time.Hour).UnixMilli()})
	if got := r.Count(); got != 2 {
		t.Fatalf("Count() = %d, want 2", got)
	}
	now = now.Add(2 * 24 * time.Hour) // the 6-day-old record is now 8 days old
	r.Add(Record{Model: "gemini-2.5-pro"})
	if got := r.Count(); got != 2 {
		t.Errorf("Count() = %d, want 2 (aged record pruned on Add)", got)
	}
}

func TestRestoreSurvivesCorruptDocument(t *testing.T) {
	p := newFakePersister()
	p.docs[DocKey] = []byte(`{"definitely":"not an array"`)

	r := New(p)
	if got := r.Count(); got != 0 {
		t.Errorf("Count() = %d, want 0", got)
	}
}

func TestKeySummaries(t *testing.T) {
	now := time.Unix(1700000000, 0)
	r := New(nil, WithNow(func() time.Time { return now }))

	r.Add(Record{Key: "AIzaSyFIRSTKEYVALUE12345", Model: "gemini-2.5-pro", InputTokens: 100, OutputTokens: 50})
	r.Add(Record{Key: "AIzaSyFIRSTKEYVALUE12345", Model: "gemini-2.5-flash", InputTokens: 30, OutputTokens: 20})
	r.Add(Record{Key: "AIzaSySECONDKEYVALUE6789", Model: "gemini-2.5-pro", InputTokens: 10, OutputTokens: 5})
	r.Add(Record{Model: "gemini-2.5-pro", InputTokens: 1, OutputTokens: 1})

	summaries := r.KeySummaries()
	if len(summaries) != 3 {
		t.Fatalf("got %d summaries, want 3", len(summaries))
	}

	top := summaries[0]
	if top.Calls != 2 || top.InputTokens != 130 || top.OutputTokens != 70 {
		t.Errorf("top summary = %+v", top)
	}
	if strings.Contains(top.Key, "FIRSTKEYVALUE") {
		t.Errorf("summary leaked key material: %q", top.Key)
	}

	foundAnon := false
	for _, s := range summaries {
		if s.Key == AnonymousKey {
			foundAnon = true
			if s.Calls != 1 {
				t.Errorf("anonymous calls = %d, want 1", s.Calls)
			}
		}
	}
	if !foundAnon {
		t.Error("records without credential should group under anonymous")
	}
}

func TestModelTotals(t *testing.T) {
	r := New(nil)
	r.Add(Record{Model: "gemini-2.5-flash", InputTokens: 10, OutputTokens: 5})
	r.Add(Record{Model: "gemini-2.5-flash", InputTokens: 10, OutputTokens: 5})
	r.Add(Record{Model: "gemini-2.5-pro", InputTokens: 100, OutputTokens: 50})

	totals := r.ModelTotals()
	if len(totals) != 2 {
		t.Fatalf("got %d totals, want 2", len(totals))
	}
	if totals[0].Model != "gemini-2.5-flash" || totals[0].Calls != 2 || totals[0].InputTokens != 20 {
		t.Errorf("top total = %+v", totals[0])
	}
	if totals[1].Model != "gemini-2.5-pro" || totals[1].OutputTokens != 50 {
		t.Errorf("second total = %+v", totals[1])
	}
}

func TestPersistRoundTrip(t *testing.T) {
	p := newFakePersister()
	now := time.Unix(1700000000, 0)

	r := New(p, WithNow(func() time.Time { return now }))
	r.Add(Record{Key: "key-a", Model: "gemini-2.5-pro", InputTokens: 42, OutputTokens: 7})

	waitFor(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.docs[DocKey]) > 0
	})

	restored := New(p, WithNow(func() time.Time { return now }))
	if got := restored.Count(); got != 1 {
		t.Fatalf("restored Count() = %d, want 1", got)
	}
	totals := restored.ModelTotals()
	if totals[0].InputTokens != 42 || totals[0].OutputTokens != 7 {
		t.Errorf("restored totals = %+v", totals[0])
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}
