package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/cortexlabs/cortex-core/pkg/models"
)

func TestMemorySessionStoreLifecycle(t *testing.T) {
	store := NewMemorySessionStore()
	session := &models.Session{
		ID:          uuid.NewString(),
		CWD:         "/workspace",
		SandboxMode: models.SandboxWorkspaceWrite,
		ModelID:     "test-model",
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}

	if err := store.Create(context.Background(), session); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := store.Create(context.Background(), session); err != ErrAlreadyExists {
		t.Fatalf("Create() duplicate error = %v, want ErrAlreadyExists", err)
	}

	got, err := store.Get(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.CWD != session.CWD {
		t.Fatalf("Get() cwd = %q", got.CWD)
	}

	session.SandboxMode = models.SandboxDangerFullAccess
	if err := store.Update(context.Background(), session); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	list, total, err := store.List(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 1 || len(list) != 1 {
		t.Fatalf("List() expected 1, got %d/%d", len(list), total)
	}
	if list[0].SandboxMode != models.SandboxDangerFullAccess {
		t.Fatalf("List() sandbox mode = %q, want updated value", list[0].SandboxMode)
	}

	if err := store.Delete(context.Background(), session.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get(context.Background(), session.ID); err != ErrNotFound {
		t.Fatalf("Get() after delete error = %v, want ErrNotFound", err)
	}
}

func TestMemoryTurnStoreLifecycle(t *testing.T) {
	store := NewMemoryTurnStore()
	sessionID := uuid.NewString()
	turn := &models.Turn{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		StartedAt: time.Now(),
		Status:    models.TurnActive,
		Budget:    models.Budget{MaxTokens: 100_000, MaxToolCalls: 50},
	}

	if err := store.Create(context.Background(), turn); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := store.Get(context.Background(), turn.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.SessionID != sessionID {
		t.Fatalf("Get() session id = %q", got.SessionID)
	}

	turn.Status = models.TurnComplete
	turn.EndedAt = time.Now()
	turn.ToolCallIDs = []string{"call-1", "call-2"}
	if err := store.Update(context.Background(), turn); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	list, total, err := store.ListBySession(context.Background(), sessionID, 10, 0)
	if err != nil {
		t.Fatalf("ListBySession() error = %v", err)
	}
	if total != 1 || len(list) != 1 {
		t.Fatalf("ListBySession() expected 1, got %d/%d", len(list), total)
	}
	if list[0].Status != models.TurnComplete {
		t.Fatalf("ListBySession() status = %q, want complete", list[0].Status)
	}

	if err := store.Delete(context.Background(), turn.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get(context.Background(), turn.ID); err != ErrNotFound {
		t.Fatalf("Get() after delete error = %v, want ErrNotFound", err)
	}
}

func TestNewMemoryStoresWiresAllStores(t *testing.T) {
	stores := NewMemoryStores()
	if stores.Sessions == nil || stores.Turns == nil || stores.Dags == nil {
		t.Fatalf("NewMemoryStores() left a nil store: %+v", stores)
	}
	if err := stores.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}
