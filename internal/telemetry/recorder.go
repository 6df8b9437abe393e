// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/jeranaias/astrobro/internal/chat"
	"github.com/jeranaias/astrobro/internal/util"
)

// dayLayout keys daily snapshots.
const dayLayout = "2006-01-02"

// =============================================================================
// TYPES
// =============================================================================

// ModelStats aggregates the attempts made against one model.
type ModelStats struct {
	Model     string `json:"model"`
	Attempts  int    `json:"attempts"`
	Successes int    `json:"successes"`
	Retryable int    `json:"retryable"` // failed over to the next candidate
	Failed    int    `json:"failed"`    // terminal failures
	Canceled  int    `json:"canceled"`
	Fragments int    `json:"fragments"`

	// Sum of time-to-first-fragment over attempts that produced one.
	FirstFragmentTotal time.Duration `json:"first_fragment_total_ns"`
	FirstFragmentCount int           `json:"first_fragment_count"`

	LastError   string    `json:"last_error,omitempty"`
	LastFailure time.Time `json:"last_failure,omitempty"`
}

// MeanFirstFragment returns the average latency to the first fragment.
func (m ModelStats) MeanFirstFragment() time.Duration {
	if m.FirstFragmentCount == 0 {
		return 0
	}
	return m.FirstFragmentTotal / time.Duration(m.FirstFragmentCount)
}

// SuccessRate returns successes over attempts, 0 when there were none.
func (m ModelStats) SuccessRate() float64 {
	if m.Attempts == 0 {
		return 0
	}
	return float64(m.Successes) / float64(m.Attempts)
}

func (m *ModelStats) add(o ModelStats) {
	m.Attempts += o.Attempts
	m.Successes += o.Successes
	m.Retryable += o.Retryable
	m.Failed += o.Failed
	m.Canceled += o.Canceled
	m.Fragments += o.Fragments
	m.FirstFragmentTotal += o.FirstFragmentTotal
	m.FirstFragmentCount += o.FirstFragmentCount
	if o.LastFailure.After(m.LastFailure) {
		m.LastFailure = o.LastFailure
		m.LastError = o.LastError
	}
}

// Snapshot is the statistics of one day.
type Snapshot struct {
	Day       string       `json:"day"`
	Failovers int          `json:"failovers"`
	Models    []ModelStats `json:"models"` // sorted by model
}

// Model returns the stats for model and whether any were recorded.
func (s *Snapshot) Model(model string) (ModelStats, bool) {
	for _, m := range s.Models {
		if m.Model == model {
			return m, true
		}
	}
	return ModelStats{}, false
}

// =============================================================================
// RECORDER
// =============================================================================

// Recorder collects attempt statistics. It is safe for concurrent use.
type Recorder struct {
	mu        sync.Mutex
	day       string
	models    map[string]*ModelStats
	failovers int

	storage *StatsStorage
	now     func() time.Time
}

// NewRecorder creates a recorder that keeps daily snapshots in dir. An
// empty dir keeps statistics in memory only.
func NewRecorder(dir string) (*Recorder, error) {
	r := &Recorder{
		models: make(map[string]*ModelStats),
		now:    time.Now,
	}
	if dir != "" {
		st, err := NewStatsStorage(dir)
		if err != nil {
			return nil, err
		}
		r.storage = st
	}
	r.day = r.now().Format(dayLayout)
	r.restoreToday()
	return r, nil
}

// restoreToday reloads today's persisted counters after a restart.
func (r *Recorder) restoreToday() {
	if r.storage == nil {
		return
	}
	snap, err := r.storage.Load(r.day)
	if err != nil {
		return
	}
	r.failovers = snap.Failovers
	for _, m := range snap.Models {
		m := m
		r.models[m.Model] = &m
	}
}

// Record adds one attempt. Pass it to chat.WithAttemptHook.
func (r *Recorder) Record(a chat.Attempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rolloverLocked()

	m, ok := r.models[a.Model]
	if !ok {
		m = &ModelStats{Model: a.Model}
		r.models[a.Model] = m
	}
	m.Attempts++
	m.Fragments += a.Fragments
	if a.Fragments > 0 {
		m.FirstFragmentTotal += a.FirstFragment
		m.FirstFragmentCount++
	}

	switch a.Status {
	case chat.AttemptSucceeded:
		m.Successes++
	case chat.AttemptRetryable:
		m.Retryable++
	case chat.AttemptFailed:
		m.Failed++
	case chat.AttemptCanceled:
		m.Canceled++
	}
	if a.Err != nil && a.Status != chat.AttemptCanceled {
		m.LastError = util.TruncateRunes(a.Err.Error(), 200)
		m.LastFailure = r.now()
	}
}

// RecordFailover counts a move to the next candidate. Pass it to
// chat.WithFailoverHook.
func (r *Recorder) RecordFailover(f chat.Failover) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rolloverLocked()
	r.failovers++
}

// Snapshot returns today's statistics.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rolloverLocked()
	return r.snapshotLocked()
}

func (r *Recorder) snapshotLocked() Snapshot {
	snap := Snapshot{Day: r.day, Failovers: r.failovers, Models: make([]ModelStats, 0, len(r.models))}
	for _, m := range r.models {
		snap.Models = append(snap.Models, *m)
	}
	sort.Slice(snap.Models, func(i, j int) bool {
		return snap.Models[i].Model < snap.Models[j].Model
	})
	return snap
}

// rolloverLocked persists and resets the counters when the day changes.
func (r *Recorder) rolloverLocked() {
	today := r.now().Format(dayLayout)
	if today == r.day {
		return
	}
	if err := r.flushLocked(); err != nil {
		log.Printf("TELEMETRY_FLUSH_ERROR | day=%s err=%v", r.day, err)
	}
	r.day = today
	r.models = make(map[string]*ModelStats)
	r.failovers = 0
}

// Flush persists today's snapshot. It is a no-op without storage.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushLocked()
}

func (r *Recorder) flushLocked() error {
	if r.storage == nil {
		return nil
	}
	snap := r.snapshotLocked()
	return r.storage.Save(&snap)
}

// =============================================================================
// TRENDS
// =============================================================================

// Trends aggregates statistics over several days.
type Trends struct {
	Days           int          `json:"days"`
	Failovers      int          `json:"failovers"`
	Models         []ModelStats `json:"models"`
	DailyBreakdown []Snapshot   `json:"daily_breakdown"` // oldest first
}

// Trends returns the statistics of the last days days, today included.
func (r *Recorder) Trends(days int) (*Trends, error) {
	if days < 1 {
		days = 1
	}

	r.mu.Lock()
	r.rolloverLocked()
	today := r.snapshotLocked()
	now := r.now()
	r.mu.Unlock()

	var daily []Snapshot
	if r.storage != nil {
		from := now.AddDate(0, 0, -(days - 1)).Format(dayLayout)
		stored, err := r.storage.Range(from, today.Day)
		if err != nil {
			return nil, err
		}
		for _, s := range stored {
			if s.Day != today.Day {
				daily = append(daily, s)
			}
		}
	}
	daily = append(daily, today)

	trends := &Trends{Days: days, DailyBreakdown: daily}
	totals := make(map[string]*ModelStats)
	for _, s := range daily {
		trends.Failovers += s.Failovers
		for _, m := range s.Models {
			t, ok := totals[m.Model]
			if !ok {
				t = &ModelStats{Model: m.Model}
				totals[m.Model] = t
			}
			t.add(m)
		}
	}
	for _, t := range totals {
		trends.Models = append(trends.Models, *t)
	}
	sort.Slice(trends.Models, func(i, j int) bool {
		return trends.Models[i].Model < trends.Models[j].Model
	})
	return trends, nil
}
