// Package service holds the implementation of the fleet.Service interface
// and the HTTP endpoints of the enrollment front door.
package service

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"errors"

	"github.com/fleetdm/mdmgateway/server/config"
	"github.com/fleetdm/mdmgateway/server/contexts/ctxerr"
	"github.com/fleetdm/mdmgateway/server/fleet"
	microsoft_mdm "github.com/fleetdm/mdmgateway/server/mdm/microsoft"
	kitlog "github.com/go-kit/log"
)

// AuthorityVerifier verifies device client certificates against the
// device authorities. It is implemented by *authority.Cache.
type AuthorityVerifier interface {
	VerifyClientCertificate(ctx context.Context, cert *x509.Certificate, intermediates []*x509.Certificate) error
}

// Service is the struct implementing fleet.Service. Create a new one with NewService.
type Service struct {
	authorities       AuthorityVerifier
	tokens            fleet.TokenIssuer
	policy            microsoft_mdm.CertificatePolicy
	requireClientCert bool
	logger            kitlog.Logger
}

// NewService creates a new service from the config struct. A nil tokens
// uses an issuer of opaque random tokens.
func NewService(
	authorities AuthorityVerifier,
	tokens fleet.TokenIssuer,
	config config.GatewayConfig,
	logger kitlog.Logger,
) (fleet.Service, error) {
	policy, err := certificatePolicyFromConfig(config.MDM)
	if err != nil {
		return nil, err
	}
	if tokens == nil {
		tokens = RandomTokenIssuer{}
	}
	return &Service{
		authorities:       authorities,
		tokens:            tokens,
		policy:            policy,
		requireClientCert: config.MDM.RequireClientCert,
		logger:            logger,
	}, nil
}

func certificatePolicyFromConfig(conf config.MDMConfig) (microsoft_mdm.CertificatePolicy, error) {
	policy := microsoft_mdm.DefaultCertificatePolicy()
	if conf.PolicyMinKeyLength != 0 {
		policy.MinimalKeyLength = conf.PolicyMinKeyLength
	}
	if conf.PolicyHashAlgorithmOID != "" {
		policy.HashAlgorithmOID = conf.PolicyHashAlgorithmOID
	}
	if conf.PolicyCertValidityPeriod != 0 {
		policy.ValidityPeriod = conf.PolicyCertValidityPeriod
	}
	if conf.PolicyCertRenewalPeriod != 0 {
		policy.RenewalPeriod = conf.PolicyCertRenewalPeriod
	}

	if policy.MinimalKeyLength < 0 {
		return policy, errors.New("mdm.policy_min_key_length must be positive")
	}
	if policy.RenewalPeriod > policy.ValidityPeriod {
		return policy, errors.New("mdm.policy_cert_renewal_period must not exceed mdm.policy_cert_validity_period")
	}
	return policy, nil
}

// RandomTokenIssuer issues opaque random tokens. The upstream engine
// accepts them as the BinarySecurityToken of user-driven enrollments.
type RandomTokenIssuer struct{}

const enrollmentTokenSize = 32

func (RandomTokenIssuer) IssueEnrollmentToken(ctx context.Context, _ string) (string, error) {
	b := make([]byte, enrollmentTokenSize)
	if _, err := rand.Read(b); err != nil {
		return "", ctxerr.Wrap(ctx, err, "generate enrollment token")
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
