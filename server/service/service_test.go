package service

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/fleetdm/mdmgateway/server/config"
	microsoft_mdm "github.com/fleetdm/mdmgateway/server/mdm/microsoft"
	kitlog "github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCertificatePolicyFromConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		policy, err := certificatePolicyFromConfig(config.MDMConfig{})
		require.NoError(t, err)
		assert.Equal(t, microsoft_mdm.DefaultCertificatePolicy(), policy)
	})

	t.Run("overrides", func(t *testing.T) {
		policy, err := certificatePolicyFromConfig(config.MDMConfig{
			PolicyMinKeyLength:       2048,
			PolicyHashAlgorithmOID:   "2.16.840.1.101.3.4.2.3",
			PolicyCertValidityPeriod: 90 * 24 * time.Hour,
			PolicyCertRenewalPeriod:  30 * 24 * time.Hour,
		})
		require.NoError(t, err)
		assert.Equal(t, 2048, policy.MinimalKeyLength)
		assert.Equal(t, "2.16.840.1.101.3.4.2.3", policy.HashAlgorithmOID)
		assert.Equal(t, 90*24*time.Hour, policy.ValidityPeriod)
		assert.Equal(t, 30*24*time.Hour, policy.RenewalPeriod)
	})

	t.Run("negative key length", func(t *testing.T) {
		_, err := certificatePolicyFromConfig(config.MDMConfig{PolicyMinKeyLength: -1})
		require.ErrorContains(t, err, "policy_min_key_length")
	})

	t.Run("renewal after expiry", func(t *testing.T) {
		_, err := certificatePolicyFromConfig(config.MDMConfig{
			PolicyCertValidityPeriod: 24 * time.Hour,
			PolicyCertRenewalPeriod:  48 * time.Hour,
		})
		require.ErrorContains(t, err, "policy_cert_renewal_period")
	})
}

func TestNewServiceInvalidPolicy(t *testing.T) {
	cfg := config.TestConfig()
	cfg.MDM.PolicyMinKeyLength = -4096
	_, err := NewService(&fakeVerifier{}, nil, cfg, kitlog.NewNopLogger())
	require.Error(t, err)
}

func TestRandomTokenIssuer(t *testing.T) {
	var issuer RandomTokenIssuer

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		tok, err := issuer.IssueEnrollmentToken(t.Context(), "ms-app://windows.immersivecontrolpanel")
		require.NoError(t, err)

		raw, err := base64.RawURLEncoding.DecodeString(tok)
		require.NoError(t, err)
		assert.Len(t, raw, enrollmentTokenSize)
		assert.False(t, seen[tok])
		seen[tok] = true
	}
}
