package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFirestoreStorage_Validation(t *testing.T) {
	tests := []struct {
		name      string
		projectID string
		prefix    string
	}{
		{"missing project", "", "contentdesk"},
		{"missing prefix", "project", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFirestoreStorage(context.Background(), tt.projectID, "", tt.prefix)
			assert.Error(t, err)
		})
	}
}

// newEmulatorStorage returns a store against the Firestore emulator, with a
// unique collection prefix per test
func newEmulatorStorage(t *testing.T) *FirestoreStorage {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	s, err := NewFirestoreStorage(context.Background(), "contentdesk-test", "", "test_"+uuid.NewString()[:8])
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFirestore_Identity(t *testing.T) {
	s := newEmulatorStorage(t)
	ctx := context.Background()

	created, err := s.UpsertIdentity(ctx, Identity{Email: "A@b.com", Name: "A"})
	require.NoError(t, err)
	updated, err := s.UpsertIdentity(ctx, Identity{Email: "a@b.com", Name: "B"})
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, "B", updated.Name)

	_, err = s.GetIdentity(ctx, "missing@b.com")
	assert.ErrorIs(t, err, ErrIdentityNotFound)
}

func TestFirestore_States(t *testing.T) {
	s := newEmulatorStorage(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.SaveState(ctx, newState("s1", now)))
	assert.ErrorIs(t, s.SaveState(ctx, newState("s1", now)), ErrStateExists)

	_, err := s.ConsumeState(ctx, "s1", now)
	require.NoError(t, err)
	_, err = s.ConsumeState(ctx, "s1", now)
	assert.ErrorIs(t, err, ErrStateNotFound)

	require.NoError(t, s.SaveState(ctx, newState("old", now.Add(-time.Hour))))
	count, err := s.PurgeStates(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
