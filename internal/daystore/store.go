// Package daystore holds the canonical per-day step records and applies the
// per-source merge policy.
package daystore

import (
	"sort"
	"sync"
	"time"

	"github.com/AdnanHimself/couple-steps-sub000/internal/domain"
)

// DefaultRetentionDays bounds how much history is kept per user.
const DefaultRetentionDays = 30

type recordKey struct {
	userID string
	date   domain.Date
}

// Option configures optional behaviour for the Store.
type Option func(*Store)

// WithRetentionDays overrides the number of days kept per user.
func WithRetentionDays(days int) Option {
	return func(s *Store) {
		if days > 0 {
			s.retentionDays = days
		}
	}
}

// WithClock overrides the clock used when an observation carries no timestamp.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the canonical day-record store. Apply is the only mutation path
// for counts and must be called from a single goroutine; reads may happen
// concurrently from any goroutine.
type Store struct {
	mu            sync.RWMutex
	localUserID   string
	partnerID     string
	records       map[recordKey]domain.DailyStepRecord
	lastSent      map[recordKey]int
	newest        map[string]domain.Date
	retentionDays int
	now           func() time.Time
}

// New constructs a Store for the local user and (optionally empty) partner.
func New(localUserID, partnerID string, opts ...Option) *Store {
	s := &Store{
		localUserID:   localUserID,
		partnerID:     partnerID,
		records:       make(map[recordKey]domain.DailyStepRecord),
		lastSent:      make(map[recordKey]int),
		newest:        make(map[string]domain.Date),
		retentionDays: DefaultRetentionDays,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LocalUserID returns the user whose sensor feeds the store.
func (s *Store) LocalUserID() string { return s.localUserID }

// PartnerID returns the linked partner, or "" when unpaired.
func (s *Store) PartnerID() string { return s.partnerID }

// Get returns the canonical record for the user and day.
func (s *Store) Get(userID string, date domain.Date) (domain.DailyStepRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[recordKey{userID: userID, date: date}]
	return rec, ok
}

// Count returns the canonical count, treating an absent record as zero.
func (s *Store) Count(userID string, date domain.Date) int {
	rec, _ := s.Get(userID, date)
	return rec.Count
}

// Apply folds an observation into the store and returns the resulting record
// together with whether the canonical count changed. Observations the merge
// policy does not accept leave the store untouched.
func (s *Store) Apply(obs domain.Observation) (domain.DailyStepRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if obs.Count < 0 {
		obs.Count = 0
	}
	if obs.ObservedAt.IsZero() {
		obs.ObservedAt = s.now()
	}

	key := recordKey{userID: obs.UserID, date: obs.Date}
	current, exists := s.records[key]
	if !exists {
		current = domain.DailyStepRecord{UserID: obs.UserID, Date: obs.Date}
	}

	if !s.accepts(obs, current) {
		return current, false
	}
	if exists && current.Count == obs.Count {
		return current, false
	}
	if newest, ok := s.newest[obs.UserID]; ok && obs.Date.Before(newest.AddDays(-(s.retentionDays - 1))) {
		return current, false
	}

	current.Count = obs.Count
	current.LastLocalUpdateAt = obs.ObservedAt
	s.records[key] = current
	s.advance(obs.UserID, obs.Date)
	return current, true
}

func (s *Store) accepts(obs domain.Observation, current domain.DailyStepRecord) bool {
	isLocal := obs.UserID == s.localUserID
	isPartner := s.partnerID != "" && obs.UserID == s.partnerID

	switch obs.Source {
	case domain.SourceSensor:
		return isLocal
	case domain.SourceHealthAPI:
		// Health data only fills in for a sensor that has reported nothing today.
		return isLocal && obs.Count > 0 && current.Count == 0
	case domain.SourceRemoteEcho:
		if !isLocal && !isPartner {
			return false
		}
		if sent, ok := s.lastSent[recordKey{userID: obs.UserID, date: obs.Date}]; ok && sent == obs.Count {
			return false
		}
		// The local count never goes down within a day; a late or replayed
		// echo of an older write is dropped.
		if isLocal && obs.Count < current.Count {
			return false
		}
		return true
	case domain.SourcePeerPush:
		return isPartner
	default:
		return false
	}
}

// advance records the newest day seen for the user and prunes records that
// fell out of the retention window.
func (s *Store) advance(userID string, date domain.Date) {
	newest, ok := s.newest[userID]
	if ok && !newest.Before(date) {
		return
	}
	s.newest[userID] = date

	cutoff := date.AddDays(-(s.retentionDays - 1))
	for key := range s.records {
		if key.userID == userID && key.date.Before(cutoff) {
			delete(s.records, key)
			delete(s.lastSent, key)
		}
	}
}

// MarkSent records the value most recently written to the remote ledger so
// that its echo can be recognised.
func (s *Store) MarkSent(userID string, date domain.Date, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSent[recordKey{userID: userID, date: date}] = count
}

// LastSent returns the value most recently written for the user and day.
func (s *Store) LastSent(userID string, date domain.Date) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count, ok := s.lastSent[recordKey{userID: userID, date: date}]
	return count, ok
}

// MarkSynced stamps the record with the time its value reached the ledger.
func (s *Store) MarkSynced(userID string, date domain.Date, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey{userID: userID, date: date}
	rec, ok := s.records[key]
	if !ok {
		return
	}
	rec.LastSyncedAt = at
	s.records[key] = rec
}

// History returns the user's records for the `days` calendar days ending at
// end, newest first. Days without a record are omitted.
func (s *Store) History(userID string, end domain.Date, days int) []domain.DailyStepRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := end.AddDays(-(days - 1))
	out := make([]domain.DailyStepRecord, 0, days)
	for key, rec := range s.records {
		if key.userID != userID || key.date.Before(start) || end.Before(key.date) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[j].Date.Before(out[i].Date) })
	return out
}
