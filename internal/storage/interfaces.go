package storage

import (
	"context"
	"errors"

	"github.com/cortexlabs/cortex-core/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// SessionStore persists durable conversation sessions.
type SessionStore interface {
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	List(ctx context.Context, limit, offset int) ([]*models.Session, int, error)
	Update(ctx context.Context, session *models.Session) error
	Delete(ctx context.Context, id string) error
}

// TurnStore persists turns and their tool-call membership within a session.
type TurnStore interface {
	Create(ctx context.Context, turn *models.Turn) error
	Get(ctx context.Context, id string) (*models.Turn, error)
	ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]*models.Turn, int, error)
	Update(ctx context.Context, turn *models.Turn) error
	Delete(ctx context.Context, id string) error
}

// StoreSet groups storage dependencies.
type StoreSet struct {
	Sessions SessionStore
	Turns    TurnStore
	Dags     DagStore
	History  HistoryStore
	closer   func() error
}

// Close closes any underlying resources.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
