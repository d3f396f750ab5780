package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateBytes(t *testing.T) {
	tests := []struct {
		name         string
		config       string
		wantErrors   []string
		wantWarnings []string
	}{
		{
			name:   "valid without env",
			config: minimalConfig,
		},
		{
			name:       "invalid json",
			config:     `{`,
			wantErrors: []string{""},
		},
		{
			name:       "missing sections",
			config:     `{"version": "v1"}`,
			wantErrors: []string{"server", "auth"},
		},
		{
			name: "plain secrets",
			config: `{"version": "v1", "server": {"baseURL": "x", "addr": ":1"},
				"auth": {"clientId": "x", "redirectUri": "x", "clientSecret": "abc", "encryptionKey": "${ENC_KEY}"}}`,
			wantErrors:   []string{"auth.clientSecret", "auth.encryptionKey"},
			wantWarnings: []string{"auth.encryptionKey"},
		},
		{
			name: "unknown provider and storage",
			config: `{"version": "v1", "server": {"baseURL": "x", "addr": ":1"},
				"auth": {"provider": "okta", "clientId": "x", "redirectUri": "x", "clientSecret": {"$env": "A"}, "encryptionKey": {"$env": "B"}},
				"storage": {"kind": "mysql"}}`,
			wantErrors: []string{"auth.provider", "storage.kind"},
		},
		{
			name: "unknown response mode",
			config: `{"version": "v1", "server": {"baseURL": "x", "addr": ":1"},
				"auth": {"clientId": "x", "redirectUri": "x", "clientSecret": {"$env": "A"}, "encryptionKey": {"$env": "B"}, "responseMode": "fragment"}}`,
			wantErrors: []string{"auth.responseMode"},
		},
		{
			name: "cleanup slower than state ttl",
			config: `{"version": "v1", "server": {"baseURL": "x", "addr": ":1"},
				"auth": {"clientId": "x", "redirectUri": "x", "clientSecret": {"$env": "A"}, "encryptionKey": {"$env": "B"}, "stateTtl": "5m"},
				"storage": {"kind": "memory", "cleanupInterval": "1h"}}`,
			wantWarnings: []string{"storage.cleanupInterval"},
		},
		{
			name: "bad durations",
			config: `{"version": "v1", "server": {"baseURL": "x", "addr": ":1"},
				"auth": {"clientId": "x", "redirectUri": "x", "clientSecret": {"$env": "A"}, "encryptionKey": {"$env": "B"}, "providerTimeout": 10},
				"session": {"maxAge": "-1h"}}`,
			wantErrors: []string{"auth.providerTimeout", "session.maxAge"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ValidateBytes([]byte(tt.config))

			var errPaths, warnPaths []string
			for _, e := range result.Errors {
				errPaths = append(errPaths, e.Path)
			}
			for _, w := range result.Warnings {
				warnPaths = append(warnPaths, w.Path)
			}

			assert.ElementsMatch(t, tt.wantErrors, errPaths)
			assert.ElementsMatch(t, tt.wantWarnings, warnPaths)
			assert.Equal(t, len(tt.wantErrors) == 0, result.IsValid())
		})
	}
}
