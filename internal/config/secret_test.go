package config

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretRedaction(t *testing.T) {
	tests := []struct {
		name   string
		secret Secret
		want   string
	}{
		{name: "non-empty secret", secret: Secret("super-secret-password"), want: "***"},
		{name: "empty secret", secret: Secret(""), want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.secret.String())
			assert.Equal(t, "value: "+tt.want, fmt.Sprintf("value: %s", tt.secret))
			if tt.secret != "" {
				assert.NotContains(t, fmt.Sprintf("password: %v", tt.secret), string(tt.secret))
			}
		})
	}
}

func TestSecretJSONMarshal(t *testing.T) {
	auth := AuthConfig{
		ClientID:      "client-123",
		ClientSecret:  Secret("GOCSPX-super-secret"),
		EncryptionKey: Secret("0123456789abcdef0123456789abcdef"),
	}

	data, err := json.Marshal(auth)
	require.NoError(t, err)

	jsonStr := string(data)
	assert.NotContains(t, jsonStr, "GOCSPX-super-secret")
	assert.NotContains(t, jsonStr, "0123456789abcdef")
	assert.Contains(t, jsonStr, `"clientSecret":"***"`)
	assert.Contains(t, jsonStr, "client-123")
}

func TestSecretInStruct(t *testing.T) {
	storage := StorageConfig{
		Kind:          StoragePostgres,
		PostgresDSN:   Secret("postgres://app:hunter2@db/app"),
		RedisPassword: Secret("redis-pass"),
	}

	str := fmt.Sprintf("%+v", storage)
	assert.NotContains(t, str, "hunter2")
	assert.NotContains(t, str, "redis-pass")
	assert.Equal(t, "***", storage.PostgresDSN.String())
}
