// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/astrobro/internal/chat"
	"github.com/jeranaias/astrobro/internal/storage"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session not found")

	// ErrLeased is returned when another request is driving the session.
	ErrLeased = errors.New("session is busy")

	// ErrFull is returned when MaxSessions is reached and every session is
	// in use.
	ErrFull = errors.New("too many active sessions")

	// ErrNoRestorer is returned when a stored conversation is found but the
	// registry cannot rebuild a chat session from it.
	ErrNoRestorer = errors.New("no restore function configured")
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Store persists conversations. *storage.ConversationStore implements it.
type Store interface {
	Save(conv *storage.StoredConversation) (string, error)
	Load(id string) (*storage.StoredConversation, error)
	FindByChart(owner, chartKey string) (*storage.StoredConversation, error)
	Delete(id string) error
}

// Pruner is implemented by stores that can expire old conversations.
type Pruner interface {
	Prune(maxAge time.Duration) (int, error)
}

// RestoreFunc rebuilds a chat session from a stored conversation.
type RestoreFunc func(conv *storage.StoredConversation) (*chat.Session, error)

// Config holds configuration for the registry.
type Config struct {
	// IdleTimeout evicts sessions with no activity for this long (default: 1 hour)
	IdleTimeout time.Duration

	// MaxSessions caps sessions held in memory (0 = unlimited)
	MaxSessions int

	// SweepInterval is how often Run evicts idle sessions (default: 1 minute)
	SweepInterval time.Duration

	// Retention prunes stored conversations older than this (0 = keep)
	Retention time.Duration
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:   time.Hour,
		MaxSessions:   1000,
		SweepInterval: time.Minute,
	}
}

// =============================================================================
// ENTRY
// =============================================================================

// Info describes the chart a session is about.
type Info struct {
	ChartKey  string
	ChartType string
	Lang      string
}

// ChartKey returns a stable key for a chart type, language and chart data.
// Two requests with the same key can share a conversation.
func ChartKey(chartType, lang, chartData string) string {
	h := sha256.New()
	h.Write([]byte(chartType))
	h.Write([]byte{0})
	h.Write([]byte(lang))
	h.Write([]byte{0})
	h.Write([]byte(chartData))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// Entry is one registered session. Its fields never change; Replace
// installs a new Entry under the same ID.
type Entry struct {
	ID        string
	Owner     string
	Info      Info
	CreatedAt time.Time

	session *chat.Session

	convMu sync.Mutex
	conv   *storage.StoredConversation

	// guarded by Registry.mu
	lastActivity time.Time
	leased       bool
}

// Session returns the chat session.
func (e *Entry) Session() *chat.Session {
	return e.session
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry holds the live chat sessions of all users.
type Registry struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*Entry

	store   Store
	restore RestoreFunc
	now     func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore persists transcripts to store and restores evicted sessions
// from it with restore.
func WithStore(store Store, restore RestoreFunc) Option {
	return func(r *Registry) {
		r.store = store
		r.restore = restore
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	d := DefaultConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = d.IdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = d.SweepInterval
	}
	r := &Registry{
		cfg:     cfg,
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Len returns the number of sessions held in memory.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Create registers s for owner under a fresh id and persists it.
func (r *Registry) Create(owner string, info Info, s *chat.Session) (*Entry, error) {
	now := r.now()
	e := &Entry{
		ID:           uuid.NewString(),
		Owner:        owner,
		Info:         info,
		CreatedAt:    now,
		session:      s,
		lastActivity: now,
	}
	e.conv = newConversation(e)

	r.mu.Lock()
	if err := r.makeRoomLocked(); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.entries[e.ID] = e
	r.mu.Unlock()

	r.persist(e)
	log.Printf("SESSION_CREATE | id=%s owner=%s chart=%s type=%s", e.ID, owner, info.ChartKey, info.ChartType)
	return e, nil
}

// Get returns the session with id, restoring it from the store if it was
// evicted.
func (r *Registry) Get(id string) (*Entry, error) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		r.mu.Unlock()
		return e, nil
	}
	r.mu.Unlock()

	if r.store == nil {
		return nil, ErrNotFound
	}
	conv, err := r.store.Load(id)
	if err != nil {
		if errors.Is(err, storage.ErrConversationNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return r.adopt(conv)
}

// Find returns the owner's session about chartKey, from memory or the
// store.
func (r *Registry) Find(owner, chartKey string) (*Entry, error) {
	r.mu.Lock()
	var found *Entry
	for _, e := range r.entries {
		if e.Owner == owner && e.Info.ChartKey == chartKey {
			if found == nil || e.lastActivity.After(found.lastActivity) {
				found = e
			}
		}
	}
	r.mu.Unlock()
	if found != nil {
		return found, nil
	}

	if r.store == nil {
		return nil, ErrNotFound
	}
	conv, err := r.store.FindByChart(owner, chartKey)
	if err != nil {
		if errors.Is(err, storage.ErrConversationNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	// The index can point at a conversation that was since replaced.
	if conv.ChartKey != chartKey {
		return nil, ErrNotFound
	}
	return r.adopt(conv)
}

// adopt restores conv into memory unless a concurrent caller got there first.
func (r *Registry) adopt(conv *storage.StoredConversation) (*Entry, error) {
	if r.restore == nil {
		return nil, ErrNoRestorer
	}
	s, err := r.restore(conv)
	if err != nil {
		return nil, err
	}
	now := r.now()
	e := &Entry{
		ID:    conv.ID,
		Owner: conv.Owner,
		Info: Info{
			ChartKey:  conv.ChartKey,
			ChartType: conv.ChartType,
			Lang:      conv.Lang,
		},
		CreatedAt:    conv.CreatedAt,
		session:      s,
		conv:         conv,
		lastActivity: now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.entries[conv.ID]; ok {
		return existing, nil
	}
	if err := r.makeRoomLocked(); err != nil {
		return nil, err
	}
	r.entries[e.ID] = e
	log.Printf("SESSION_RESTORE | id=%s owner=%s messages=%d", e.ID, e.Owner, len(conv.Messages))
	return e, nil
}

// Replace swaps the session under id for s, used when the chart or
// language changes. The old transcript is discarded.
func (r *Registry) Replace(id string, info Info, s *chat.Session) (*Entry, error) {
	r.mu.Lock()
	old, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	if old.leased {
		r.mu.Unlock()
		return nil, ErrLeased
	}
	e := &Entry{
		ID:           id,
		Owner:        old.Owner,
		Info:         info,
		CreatedAt:    old.CreatedAt,
		session:      s,
		lastActivity: r.now(),
	}
	e.conv = newConversation(e)
	r.entries[id] = e
	r.mu.Unlock()

	r.persist(e)
	log.Printf("SESSION_REPLACE | id=%s owner=%s chart=%s type=%s", id, e.Owner, info.ChartKey, info.ChartType)
	return e, nil
}

// Delete removes the session from memory and the store.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok && e.leased {
		r.mu.Unlock()
		return ErrLeased
	}
	delete(r.entries, id)
	r.mu.Unlock()

	if r.store != nil {
		err := r.store.Delete(id)
		if err == nil {
			ok = true
		} else if !errors.Is(err, storage.ErrConversationNotFound) {
			return err
		}
	}
	if !ok {
		return ErrNotFound
	}
	log.Printf("SESSION_DELETE | id=%s", id)
	return nil
}

// =============================================================================
// LEASES
// =============================================================================

// Lease grants one caller exclusive use of a session until Release.
type Lease struct {
	r    *Registry
	e    *Entry
	once sync.Once
}

// Acquire leases the session with id. It fails with ErrLeased when another
// lease is held. An entry swept between the lookup and the lease is looked
// up once more, which restores it from the store.
func (r *Registry) Acquire(id string) (*Lease, error) {
	e, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	lease, err := r.lease(id, e)
	if errors.Is(err, errEvicted) {
		if e, err = r.Get(id); err != nil {
			return nil, err
		}
		lease, err = r.lease(id, e)
	}
	if errors.Is(err, errEvicted) {
		return nil, ErrNotFound
	}
	return lease, err
}

// errEvicted reports that the entry left the registry before it was leased.
var errEvicted = errors.New("session evicted")

func (r *Registry) lease(id string, e *Entry) (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.entries[id]
	if !ok {
		return nil, errEvicted
	}
	// Replaced since the lookup.
	e = cur
	if e.leased {
		return nil, ErrLeased
	}
	e.leased = true
	e.lastActivity = r.now()
	return &Lease{r: r, e: e}, nil
}

// Entry returns the leased entry.
func (l *Lease) Entry() *Entry {
	return l.e
}

// Session returns the leased chat session.
func (l *Lease) Session() *chat.Session {
	return l.e.session
}

// Release persists the transcript and frees the session. Calling it more
// than once is a no-op.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.r.persist(l.e)
		l.r.mu.Lock()
		l.e.leased = false
		l.e.lastActivity = l.r.now()
		l.r.mu.Unlock()
	})
}

// =============================================================================
// EVICTION
// =============================================================================

// Sweep evicts sessions idle since before now minus IdleTimeout and returns
// how many were evicted. Leased sessions are never evicted.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, e := range r.entries {
		idle := now.Sub(e.lastActivity)
		if e.leased || idle < r.cfg.IdleTimeout {
			continue
		}
		delete(r.entries, id)
		evicted++
		log.Printf("SESSION_EVICT | id=%s reason=idle idle=%s", id, FormatDuration(idle))
	}
	return evicted
}

// Run sweeps idle sessions, and prunes old stored conversations when
// Retention is set, until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.now())
			if p, ok := r.store.(Pruner); ok && r.cfg.Retention > 0 {
				if _, err := p.Prune(r.cfg.Retention); err != nil {
					log.Printf("SESSION_PRUNE_ERROR | err=%v", err)
				}
			}
		}
	}
}

// makeRoomLocked evicts the least recently active unleased session when
// the registry is full.
func (r *Registry) makeRoomLocked() error {
	if r.cfg.MaxSessions <= 0 || len(r.entries) < r.cfg.MaxSessions {
		return nil
	}
	var oldest *Entry
	for _, e := range r.entries {
		if e.leased {
			continue
		}
		if oldest == nil || e.lastActivity.Before(oldest.lastActivity) {
			oldest = e
		}
	}
	if oldest == nil {
		return ErrFull
	}
	delete(r.entries, oldest.ID)
	log.Printf("SESSION_EVICT | id=%s reason=capacity", oldest.ID)
	return nil
}

// =============================================================================
// PERSISTENCE
// =============================================================================

func newConversation(e *Entry) *storage.StoredConversation {
	return &storage.StoredConversation{
		ID:        e.ID,
		Owner:     e.Owner,
		ChartKey:  e.Info.ChartKey,
		ChartType: e.Info.ChartType,
		Lang:      e.Info.Lang,
		CreatedAt: e.CreatedAt,
		Models:    e.session.Candidates(),
	}
}

// persist saves the entry's transcript. Only settled transcripts are
// written, so a crash mid-stream never stores a dangling user message.
func (r *Registry) persist(e *Entry) {
	if r.store == nil || e.session.Busy() {
		return
	}
	e.convMu.Lock()
	defer e.convMu.Unlock()
	e.conv.SetMessages(e.session.Transcript(), e.session.ActiveModel(), r.now())
	if _, err := r.store.Save(e.conv); err != nil {
		log.Printf("SESSION_PERSIST_ERROR | id=%s err=%v", e.ID, err)
	}
}

// FormatDuration returns a human-readable duration string.
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		secs := int(d.Seconds())
		return strconv.Itoa(secs) + "s"
	}
	mins := int(d.Minutes())
	secs := int(d.Seconds()) % 60
	if secs == 0 {
		return strconv.Itoa(mins) + "m"
	}
	return strconv.Itoa(mins) + "m " + strconv.Itoa(secs) + "s"
}
