package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

// Bucket names for each entity type.
const (
	BucketSessions = "BUZZFORGE_SESSIONS"
	BucketPhases   = "BUZZFORGE_PHASES"
	BucketDrafts   = "BUZZFORGE_DRAFTS"
)

// ErrNotFound is returned when an entity doesn't exist.
var ErrNotFound = errors.New("not found")

// ErrBusy is returned when a conditional status transition loses to a
// concurrent writer or observes a non-runnable status. It is a control
// signal, not a failure.
var ErrBusy = errors.New("session busy")

// keyValue is the subset of jetstream.KeyValue the store needs.
// Narrowing the dependency keeps the store testable without a server.
type keyValue interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Create(ctx context.Context, key string, value []byte, opts ...jetstream.KVCreateOpt) (uint64, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
	Delete(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error
	Keys(ctx context.Context, opts ...jetstream.WatchOpt) ([]string, error)
}

// Store provides session, phase, and draft persistence backed by NATS KV.
type Store struct {
	sessions keyValue
	phases   keyValue
	drafts   keyValue
}

// NewStore creates a Store with the given JetStream context.
// It creates the necessary KV buckets if they don't exist.
func NewStore(ctx context.Context, js jetstream.JetStream) (*Store, error) {
	sessions, err := getOrCreateBucket(ctx, js, BucketSessions)
	if err != nil {
		return nil, fmt.Errorf("create sessions bucket: %w", err)
	}

	phases, err := getOrCreateBucket(ctx, js, BucketPhases)
	if err != nil {
		return nil, fmt.Errorf("create phases bucket: %w", err)
	}

	drafts, err := getOrCreateBucket(ctx, js, BucketDrafts)
	if err != nil {
		return nil, fmt.Errorf("create drafts bucket: %w", err)
	}

	return &Store{
		sessions: sessions,
		phases:   phases,
		drafts:   drafts,
	}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	// Bucket doesn't exist, create it
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Buzzforge %s storage", strings.ToLower(strings.TrimPrefix(name, "BUZZFORGE_"))),
		History:     5, // Keep last 5 revisions
	})
}

// CreateSession creates a new session in its initial state and returns it.
func (s *Store) CreateSession(ctx context.Context, config map[string]any) (*Session, error) {
	now := time.Now()
	sess := &Session{
		ID:           uuid.New().String(),
		Config:       config,
		Status:       StatusPending,
		CurrentPhase: 1,
		CurrentStep:  StepThink,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}

	if _, err := s.sessions.Create(ctx, sess.ID, data); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}

	return sess, nil
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	entry, err := s.sessions.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(entry.Value(), &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}

	return &sess, nil
}

// UpdateSession persists the session unconditionally.
func (s *Store) UpdateSession(ctx context.Context, sess *Session) error {
	sess.UpdatedAt = time.Now()

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	if _, err := s.sessions.Put(ctx, sess.ID, data); err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	return nil
}

// ListSessions returns all sessions, oldest first.
func (s *Store) ListSessions(ctx context.Context) ([]*Session, error) {
	keys, err := s.sessions.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list session keys: %w", err)
	}

	sessions := make([]*Session, 0, len(keys))
	for _, key := range keys {
		entry, err := s.sessions.Get(ctx, key)
		if err != nil {
			continue // Skip entries that fail to load
		}
		var sess Session
		if err := json.Unmarshal(entry.Value(), &sess); err != nil {
			continue
		}
		sessions = append(sessions, &sess)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})

	return sessions, nil
}

// TransitionStatus performs the busy-check-and-mark as a single conditional
// update. It reads the session at a known revision, verifies the observed
// status is one of from and the session still sits at (atPhase, atStep),
// writes the new status at that same revision, and returns the updated
// session. A revision conflict, an unexpected observed status, or a session
// that has moved past the caller's position returns ErrBusy with no mutation.
func (s *Store) TransitionStatus(ctx context.Context, id string, atPhase int, atStep Step, from []Status, to Status) (*Session, error) {
	entry, err := s.sessions.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(entry.Value(), &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}

	if sess.CurrentPhase != atPhase || sess.CurrentStep != atStep {
		return nil, ErrBusy
	}

	allowed := false
	for _, st := range from {
		if sess.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, ErrBusy
	}

	sess.Status = to
	sess.UpdatedAt = time.Now()

	data, err := json.Marshal(&sess)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}

	if _, err := s.sessions.Update(ctx, id, data, entry.Revision()); err != nil {
		if isRevisionConflict(err) {
			return nil, ErrBusy
		}
		return nil, fmt.Errorf("transition session status: %w", err)
	}

	return &sess, nil
}

// phaseKey builds the KV key for a phase record.
func phaseKey(sessionID string, phaseNumber int) string {
	return fmt.Sprintf("%s.%d", sessionID, phaseNumber)
}

// UpsertPhase creates or replaces the phase record for its (session, phase).
func (s *Store) UpsertPhase(ctx context.Context, p *Phase) error {
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal phase: %w", err)
	}

	if _, err := s.phases.Put(ctx, phaseKey(p.SessionID, p.PhaseNumber), data); err != nil {
		return fmt.Errorf("store phase: %w", err)
	}

	return nil
}

// GetPhase retrieves the phase record for a (session, phase number).
func (s *Store) GetPhase(ctx context.Context, sessionID string, phaseNumber int) (*Phase, error) {
	entry, err := s.phases.Get(ctx, phaseKey(sessionID, phaseNumber))
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get phase: %w", err)
	}

	var p Phase
	if err := json.Unmarshal(entry.Value(), &p); err != nil {
		return nil, fmt.Errorf("unmarshal phase: %w", err)
	}

	return &p, nil
}

// ListPhases returns all phase records for a session ordered by phase number.
func (s *Store) ListPhases(ctx context.Context, sessionID string) ([]*Phase, error) {
	keys, err := s.phases.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list phase keys: %w", err)
	}

	prefix := sessionID + "."
	phases := make([]*Phase, 0, MaxPhase)
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := s.phases.Get(ctx, key)
		if err != nil {
			continue
		}
		var p Phase
		if err := json.Unmarshal(entry.Value(), &p); err != nil {
			continue
		}
		phases = append(phases, &p)
	}

	sort.Slice(phases, func(i, j int) bool {
		return phases[i].PhaseNumber < phases[j].PhaseNumber
	})

	return phases, nil
}

// DeletePhasesFrom removes all phase records with phase number >= fromPhase.
// Used when restarting a session from an earlier phase.
func (s *Store) DeletePhasesFrom(ctx context.Context, sessionID string, fromPhase int) error {
	keys, err := s.phases.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil
		}
		return fmt.Errorf("list phase keys: %w", err)
	}

	prefix := sessionID + "."
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(key, prefix))
		if err != nil || n < fromPhase {
			continue
		}
		if err := s.phases.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete phase %d: %w", n, err)
		}
	}

	return nil
}

// CreateDraft stores a materialized draft.
func (s *Store) CreateDraft(ctx context.Context, d *Draft) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.Status == "" {
		d.Status = DraftStatusDraft
	}
	d.CreatedAt = time.Now()

	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal draft: %w", err)
	}

	key := fmt.Sprintf("%s.%d", d.SessionID, d.ConceptNumber)
	if _, err := s.drafts.Put(ctx, key, data); err != nil {
		return fmt.Errorf("store draft: %w", err)
	}

	return nil
}

// ListDraftsBySession returns all drafts for a session ordered by concept number.
func (s *Store) ListDraftsBySession(ctx context.Context, sessionID string) ([]*Draft, error) {
	keys, err := s.drafts.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list draft keys: %w", err)
	}

	prefix := sessionID + "."
	drafts := make([]*Draft, 0)
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := s.drafts.Get(ctx, key)
		if err != nil {
			continue
		}
		var d Draft
		if err := json.Unmarshal(entry.Value(), &d); err != nil {
			continue
		}
		drafts = append(drafts, &d)
	}

	sort.Slice(drafts, func(i, j int) bool {
		return drafts[i].ConceptNumber < drafts[j].ConceptNumber
	})

	return drafts, nil
}

// isNotFound checks if an error indicates a key was not found.
func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) ||
		(err != nil && strings.Contains(err.Error(), "key not found"))
}

// isRevisionConflict checks if an update failed because another writer got
// there first.
func isRevisionConflict(err error) bool {
	return errors.Is(err, jetstream.ErrKeyExists) ||
		(err != nil && strings.Contains(err.Error(), "wrong last sequence"))
}
