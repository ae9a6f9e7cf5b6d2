// Package engine drives the five-phase content pipeline one step at a time.
// Each Advance runs exactly one bounded step and persists a checkpoint, so
// sessions survive process restarts and can be driven by any caller.
package engine

import (
	"context"

	"github.com/c360studio/buzzforge/llm"
	"github.com/c360studio/buzzforge/session"
)

// Store is the persistence the engine needs. *session.Store satisfies it;
// tests substitute an in-memory implementation.
type Store interface {
	CreateSession(ctx context.Context, config map[string]any) (*session.Session, error)
	GetSession(ctx context.Context, id string) (*session.Session, error)
	UpdateSession(ctx context.Context, sess *session.Session) error
	ListSessions(ctx context.Context) ([]*session.Session, error)
	TransitionStatus(ctx context.Context, id string, atPhase int, atStep session.Step, from []session.Status, to session.Status) (*session.Session, error)

	GetPhase(ctx context.Context, sessionID string, phaseNumber int) (*session.Phase, error)
	UpsertPhase(ctx context.Context, p *session.Phase) error
	ListPhases(ctx context.Context, sessionID string) ([]*session.Phase, error)
	DeletePhasesFrom(ctx context.Context, sessionID string, fromPhase int) error

	CreateDraft(ctx context.Context, d *session.Draft) error
	ListDraftsBySession(ctx context.Context, sessionID string) ([]*session.Draft, error)
}

// Completer is the LLM surface the engine needs. *llm.Client satisfies it.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}
