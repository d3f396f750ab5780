package session

import (
	"context"
	"testing"

	"github.com/dgellow/contentdesk/internal/storage"
	"github.com/stretchr/testify/assert"
)

func TestIdentityContext(t *testing.T) {
	_, ok := IdentityFromContext(context.Background())
	assert.False(t, ok)

	ctx := WithIdentity(context.Background(), &storage.Identity{Email: "a@b.com"})
	identity, ok := IdentityFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "a@b.com", identity.Email)

	_, ok = IdentityFromContext(WithIdentity(context.Background(), nil))
	assert.False(t, ok)
}
