package store

import (
	"encoding/json"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Persister is the durable whole-document store behind the key store.
// Failures are tolerated everywhere: in-memory state stays authoritative for
// the life of the process whether or not persistence works.
type Persister interface {
	Save(key string, value []byte) error
	Load(key string) ([]byte, error)
}

// DocKey is the document name the key store persists under.
const DocKey = "rotation_state"

// DefaultCooldown is applied when MarkExhausted is called without an
// explicit duration.
const DefaultCooldown = time.Hour

// KeyStatus is the cooldown annotation for one key. A zero ExhaustedUntil
// means the key has never been marked exhausted.
type KeyStatus struct {
	ExhaustedUntil     time.Time
	LastExhaustedModel string
}

// KeyStore holds the working set of API keys and their cooldown state.
// All mutation goes through the store; keys themselves are immutable.
type KeyStore struct {
	mu       sync.Mutex
	keys     []string
	status   map[string]KeyStatus
	persist  Persister
	cooldown time.Duration
	now      func() time.Time
	rng      *rand.Rand
}

type Option func(*KeyStore)

// WithNow injects the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *KeyStore) { s.now = now }
}

// WithRand injects the randomness source used for key selection, for tests.
func WithRand(rng *rand.Rand) Option {
	return func(s *KeyStore) { s.rng = rng }
}

// WithDefaultCooldown overrides the default cooldown window.
func WithDefaultCooldown(d time.Duration) Option {
	return func(s *KeyStore) {
		if d > 0 {
			s.cooldown = d
		}
	}
}

// New creates a key store and attempts to restore prior state from the
// persister. A missing or unreadable document is treated as a cold start;
// a persistence outage never blocks construction.
func New(persist Persister, opts ...Option) *KeyStore {
	s := &KeyStore{
		status:   make(map[string]KeyStatus),
		persist:  persist,
		cooldown: DefaultCooldown,
		now:      time.Now,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.restore()
	return s
}

// Configure replaces the working set with a deduplicated copy of keys.
// Status records for keys no longer in the set are dropped; records for
// retained keys are preserved.
func (s *KeyStore) Configure(keys []string) {
	s.mu.Lock()
	s.keys = lo.Uniq(lo.Filter(keys, func(k string, _ int) bool { return k != "" }))
	known := lo.SliceToMap(s.keys, func(k string) (string, struct{}) { return k, struct{}{} })
	for k := range s.status {
		if _, ok := known[k]; !ok {
			delete(s.status, k)
		}
	}
	s.mu.Unlock()
	s.persistAsync()
}

// NextAvailable returns one available key chosen uniformly at random, or ""
// when every key is cooling down. Random choice spreads concurrent
// uncoordinated instances across the pool instead of herding them onto the
// same key.
func (s *KeyStore) NextAvailable() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	avail := s.availableLocked()
	if len(avail) == 0 {
		return ""
	}
	return avail[s.rng.Intn(len(avail))]
}

// Available returns the currently available keys in random order.
func (s *KeyStore) Available() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	avail := s.availableLocked()
	s.rng.Shuffle(len(avail), func(i, j int) {
		avail[i], avail[j] = avail[j], avail[i]
	})
	return avail
}

// AvailableFor returns, in random order, the keys eligible for a call
// against model. An active cooldown only binds to the model that tripped
// it: a key exhausted on the pro tier may still serve a flash-tier call.
// The global queries (NextAvailable, IsAvailable) treat any active cooldown
// as unavailable.
func (s *KeyStore) AvailableFor(model string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	avail := make([]string, 0, len(s.keys))
	for _, k := range s.keys {
		st, ok := s.status[k]
		cooling := ok && !st.ExhaustedUntil.IsZero() && now.Before(st.ExhaustedUntil)
		if cooling && (st.LastExhaustedModel == "" || st.LastExhaustedModel == model) {
			continue
		}
		avail = append(avail, k)
	}
	s.rng.Shuffle(len(avail), func(i, j int) {
		avail[i], avail[j] = avail[j], avail[i]
	})
	return avail
}

func (s *KeyStore) availableLocked() []string {
	now := s.now()
	avail := make([]string, 0, len(s.keys))
	for _, k := range s.keys {
		if s.isAvailableLocked(k, now) {
			avail = append(avail, k)
		}
	}
	return avail
}

// A key with no status record, or whose cooldown has elapsed, is available.
// The boundary counts as elapsed: now == exhaustedUntil means available.
func (s *KeyStore) isAvailableLocked(key string, now time.Time) bool {
	st, ok := s.status[key]
	if !ok || st.ExhaustedUntil.IsZero() {
		return true
	}
	return !now.Before(st.ExhaustedUntil)
}

// MarkExhausted puts key into cooldown for the given duration (the store
// default when d <= 0) and remembers which model tripped it. Unknown keys
// are adopted into the working set.
func (s *KeyStore) MarkExhausted(key, model string, d time.Duration) {
	if key == "" {
		return
	}
	if d <= 0 {
		d = s.cooldown
	}
	s.mu.Lock()
	if !lo.Contains(s.keys, key) {
		s.keys = append(s.keys, key)
	}
	s.status[key] = KeyStatus{
		ExhaustedUntil:     s.now().Add(d),
		LastExhaustedModel: model,
	}
	s.mu.Unlock()
	s.persistAsync()
}

// IsAvailable reports whether key is known and not cooling down.
func (s *KeyStore) IsAvailable(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !lo.Contains(s.keys, key) {
		return false
	}
	return s.isAvailableLocked(key, s.now())
}

func (s *KeyStore) AvailableCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.availableLocked())
}

func (s *KeyStore) TotalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// KeyInfo is the masked, read-only view of one key for status output.
type KeyInfo struct {
	Key                string `json:"key"`
	Available          bool   `json:"available"`
	ExhaustedUntil     string `json:"exhausted_until,omitempty"`
	LastExhaustedModel string `json:"last_exhausted_model,omitempty"`
}

// Snapshot returns the masked state of every key. Full key values never
// appear in the result.
func (s *KeyStore) Snapshot() []KeyInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	infos := make([]KeyInfo, 0, len(s.keys))
	for _, k := range s.keys {
		info := KeyInfo{
			Key:       MaskKey(k),
			Available: s.isAvailableLocked(k, now),
		}
		if st, ok := s.status[k]; ok && !st.ExhaustedUntil.IsZero() {
			if now.Before(st.ExhaustedUntil) {
				info.ExhaustedUntil = st.ExhaustedUntil.UTC().Format(time.RFC3339)
			}
			info.LastExhaustedModel = st.LastExhaustedModel
		}
		infos = append(infos, info)
	}
	return infos
}

// MaskKey keeps a short prefix and suffix of the key for identification.
func MaskKey(key string) string {
	if len(key) <= 10 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

type statusDoc struct {
	ExhaustedUntil     int64  `json:"exhaustedUntil,omitempty"` // unix ms
	LastExhaustedModel string `json:"lastExhaustedModel,omitempty"`
}

type stateDoc struct {
	Keys      []string             `json:"keys"`
	KeyStatus map[string]statusDoc `json:"keyStatus"`
	SavedAt   int64                `json:"savedAt"`
}

func (s *KeyStore) restore() {
	if s.persist == nil {
		return
	}
	raw, err := s.persist.Load(DocKey)
	if err != nil || len(raw) == 0 {
		return
	}
	var doc stateDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		log.Printf("keystore: ignoring corrupt state document: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = lo.Uniq(lo.Filter(doc.Keys, func(k string, _ int) bool { return k != "" }))
	// Status entries for keys outside the restored set are discarded rather
	// than resurrecting their keys.
	for k, st := range doc.KeyStatus {
		if !lo.Contains(s.keys, k) {
			continue
		}
		restored := KeyStatus{LastExhaustedModel: st.LastExhaustedModel}
		if st.ExhaustedUntil > 0 {
			restored.ExhaustedUntil = time.UnixMilli(st.ExhaustedUntil)
		}
		s.status[k] = restored
	}
}

func (s *KeyStore) persistAsync() {
	if s.persist == nil {
		return
	}
	s.mu.Lock()
	doc := stateDoc{
		Keys:      append([]string(nil), s.keys...),
		KeyStatus: make(map[string]statusDoc, len(s.status)),
		SavedAt:   s.now().UnixMilli(),
	}
	for k, st := range s.status {
		entry := statusDoc{LastExhaustedModel: st.LastExhaustedModel}
		if !st.ExhaustedUntil.IsZero() {
			entry.ExhaustedUntil = st.ExhaustedUntil.UnixMilli()
		}
		doc.KeyStatus[k] = entry
	}
	s.mu.Unlock()

	go func() {
		raw, err := json.Marshal(doc)
		if err != nil {
			log.Printf("keystore: marshal state: %v", err)
			return
		}
		if err := s.persist.Save(DocKey, raw); err != nil {
			log.Printf("keystore: persist state: %v", err)
		}
	}()
}
