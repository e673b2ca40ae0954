package cryptoutil

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"time"
)

// CACert describes a self-signed device authority certificate.
type CACert struct {
	commonName         string
	organization       string
	organizationalUnit string
	validity           time.Duration
	keyUsage           x509.KeyUsage
	rand               io.Reader
}

// NewCACert creates a new CACert object with options
func NewCACert(opts ...CACertOption) *CACert {
	c := &CACert{
		commonName:         "MDM Gateway Device Authority",
		organization:       "mdmgateway",
		organizationalUnit: "Device Authority",
		validity:           365 * 24 * time.Hour,
		keyUsage:           x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		rand:               rand.Reader,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type CACertOption func(*CACert)

// WithCommonName specifies the CommonName on the CA template.
func WithCommonName(name string) CACertOption {
	return func(c *CACert) {
		c.commonName = name
	}
}

// WithOrganization specifies the Organization on the CA template.
func WithOrganization(o string) CACertOption {
	return func(c *CACert) {
		c.organization = o
	}
}

// WithOrganizationalUnit specifies the OrganizationalUnit on the CA template.
func WithOrganizationalUnit(ou string) CACertOption {
	return func(c *CACert) {
		c.organizationalUnit = ou
	}
}

// WithValidity specifies how long the CA is valid for.
func WithValidity(d time.Duration) CACertOption {
	return func(c *CACert) {
		c.validity = d
	}
}

// WithRand overrides the source of randomness used for the serial number.
func WithRand(r io.Reader) CACertOption {
	return func(c *CACert) {
		c.rand = r
	}
}

// SelfSign creates an x509 template based off our settings and self-signs it
// using priv. The certificate is valid from now until now plus the configured
// validity.
func (c *CACert) SelfSign(now time.Time, pub crypto.PublicKey, priv crypto.Signer) ([]byte, error) {
	subjKeyID, err := GenerateSubjectKeyID(pub)
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(c.rand, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	tmpl := x509.Certificate{
		Subject: pkix.Name{
			Organization:       []string{c.organization},
			OrganizationalUnit: []string{c.organizationalUnit},
			CommonName:         c.commonName,
		},
		SerialNumber: serial,

		// backdated to absorb clock skew between the gateway and devices
		NotBefore: now.Add(-10 * time.Minute).UTC(),
		NotAfter:  now.Add(c.validity).UTC(),

		KeyUsage: c.keyUsage,

		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,

		SubjectKeyId:   subjKeyID,
		AuthorityKeyId: subjKeyID,
	}

	return x509.CreateCertificate(c.rand, &tmpl, &tmpl, pub, priv)
}
