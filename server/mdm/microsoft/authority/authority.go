// Package authority manages the device authorities that sign Windows MDM
// device certificates: issuance of new self-signed authorities, a cache of
// the active signing pair and of the trust anchors, and verification of
// device client certificates against those anchors.
package authority

import (
	"crypto"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/fleetdm/mdmgateway/server/fleet"
	"github.com/fleetdm/mdmgateway/server/mdm/cryptoutil"
)

const (
	defaultCacheValidity    = 15 * time.Minute
	defaultRenewalThreshold = 15 * 24 * time.Hour
	defaultLoadTimeout      = time.Minute
)

// ActiveAuthority is the parsed form of the authority currently used for
// signing.
type ActiveAuthority struct {
	ID          uint
	Certificate *x509.Certificate
	PrivateKey  crypto.Signer
	// Fingerprint is the uppercase hex SHA-1 thumbprint of the certificate.
	Fingerprint string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

func parseAuthority(da *fleet.DeviceAuthority) (*ActiveAuthority, error) {
	cert, err := cryptoutil.DecodePEMCertificate([]byte(da.PublicKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse certificate of authority %d: %w", da.ID, err)
	}
	key, err := cryptoutil.DecodePrivateKeyPEM([]byte(da.PrivateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse private key of authority %d: %w", da.ID, err)
	}
	return &ActiveAuthority{
		ID:          da.ID,
		Certificate: cert,
		PrivateKey:  key,
		Fingerprint: cryptoutil.CertFingerprintHexStr(cert),
		CreatedAt:   da.CreatedAt,
		ExpiresAt:   da.ExpiresAt,
	}, nil
}
