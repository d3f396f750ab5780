package envutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnv(t *testing.T) {
	tests := []struct {
		value    string
		wantEnv  string
		wantDev  bool
		wantProd bool
	}{
		{value: "", wantEnv: "production", wantProd: true},
		{value: "development", wantEnv: "development", wantDev: true},
		{value: "DEV", wantEnv: "dev", wantDev: true},
		{value: "test", wantEnv: "test"},
		{value: "staging", wantEnv: "staging", wantProd: true},
	}

	for _, tt := range tests {
		t.Run(tt.wantEnv, func(t *testing.T) {
			t.Setenv("APP_ENV", tt.value)
			assert.Equal(t, tt.wantEnv, Env())
			assert.Equal(t, tt.wantDev, IsDev())
			assert.Equal(t, tt.wantProd, IsProduction())
		})
	}
}
