package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTLSConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     TLSConfig
		wantErr string
	}{
		{"zero value disables", TLSConfig{}, ""},
		{"disable", TLSConfig{SSLMode: SSLModeDisable}, ""},
		{"prefer", TLSConfig{SSLMode: SSLModePrefer}, ""},
		{"require", TLSConfig{SSLMode: SSLModeRequire}, ""},
		{"invalid mode", TLSConfig{SSLMode: "sideways"}, "invalid sslmode"},
		{"verify-ca without roots", TLSConfig{SSLMode: SSLModeVerifyCA}, "requires root_ca_path"},
		{"verify-full without roots", TLSConfig{SSLMode: SSLModeVerifyFull}, "requires root_ca_path"},
		{"verify-full with roots", TLSConfig{SSLMode: SSLModeVerifyFull, RootCAPath: "ca.pem"}, ""},
		{"cert without key", TLSConfig{SSLMode: SSLModeRequire, CertPath: "c.pem"}, "both be set"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestTLSConfigEnabledRequired(t *testing.T) {
	tests := []struct {
		mode     SSLMode
		enabled  bool
		required bool
	}{
		{SSLModeDisable, false, false},
		{SSLMode(""), false, false},
		{SSLModeAllow, true, false},
		{SSLModePrefer, true, false},
		{SSLModeRequire, true, true},
		{SSLModeVerifyCA, true, true},
		{SSLModeVerifyFull, true, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			cfg := TLSConfig{SSLMode: tt.mode}
			assert.Equal(t, tt.enabled, cfg.Enabled())
			assert.Equal(t, tt.required, cfg.Required())
		})
	}
}

func TestNewClientTLS(t *testing.T) {
	t.Run("disabled returns nil", func(t *testing.T) {
		cfg := TLSConfig{SSLMode: SSLModeDisable}
		tlsConfig, err := cfg.NewClientTLS("db.example.com")
		require.NoError(t, err)
		assert.Nil(t, tlsConfig)
	})

	t.Run("require skips verification", func(t *testing.T) {
		cfg := TLSConfig{SSLMode: SSLModeRequire}
		tlsConfig, err := cfg.NewClientTLS("db.example.com")
		require.NoError(t, err)
		require.NotNil(t, tlsConfig)
		assert.True(t, tlsConfig.InsecureSkipVerify)
	})

	t.Run("verify-full verifies hostname", func(t *testing.T) {
		cfg := TLSConfig{SSLMode: SSLModeVerifyFull, RootCAPath: "does-not-exist.pem"}
		_, err := cfg.NewClientTLS("db.example.com")
		// Missing root CA file surfaces as an error rather than a
		// silently unverified connection.
		require.Error(t, err)
	})
}
