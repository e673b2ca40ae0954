// Package cryptoutil contains crypto-related helpers shared by the device
// authority and the management endpoint.
package cryptoutil

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/smallstep/pkcs7"
)

// PEMCertificate returns derBytes encoded as a PEM block
func PEMCertificate(derBytes []byte) []byte {
	block := &pem.Block{
		Type:  "CERTIFICATE",
		Bytes: derBytes,
	}
	return pem.EncodeToMemory(block)
}

// DecodePEMCertificate returns an X509 certificate from a PEM-encoded
// certificate provided in pemData.
func DecodePEMCertificate(pemData []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemData)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("failed to decode PEM certificate")
	}
	return x509.ParseCertificate(block.Bytes)
}

// PEMRSAPrivateKey returns key encoded as a PKCS#1 PEM block.
func PEMRSAPrivateKey(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}

// DecodePrivateKeyPEM parses a PEM-encoded RSA or ECDSA private key, in
// PKCS#1, SEC 1 or PKCS#8 form.
func DecodePrivateKeyPEM(pemData []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("no PEM-encoded data found")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		switch k := key.(type) {
		case *rsa.PrivateKey:
			return k, nil
		case *ecdsa.PrivateKey:
			return k, nil
		default:
			return nil, fmt.Errorf("unsupported private key type %T", key)
		}
	default:
		return nil, fmt.Errorf("unexpected PEM block type %q", block.Type)
	}
}

// GenerateSubjectKeyID returns the SHA-1 hash of the subjectPublicKey bit
// string of pub, as described in RFC 5280 section 4.2.1.2 method (1).
func GenerateSubjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	var spki struct {
		Algorithm        asn1.RawValue
		SubjectPublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil, err
	}
	sum := sha1.Sum(spki.SubjectPublicKey.Bytes) //nolint:gosec
	return sum[:], nil
}

// CertFingerprintHexStr returns the hex-encoded, uppercased sha1 fingerprint
// of the certificate. This is the thumbprint the Windows certificate store
// uses to identify certificates.
func CertFingerprintHexStr(cert *x509.Certificate) string {
	fingerprint := sha1.Sum(cert.Raw) //nolint:gosec
	return strings.ToUpper(hex.EncodeToString(fingerprint[:]))
}

// ParseClientCertHeader parses the client certificate forwarded by an API
// gateway. The value may be a PEM certificate, a URL-escaped PEM certificate
// (as nginx and most load balancers send it) or a base64 PKCS#7 certs-only
// bundle. The first certificate is the leaf, any following ones are
// returned as intermediates.
func ParseClientCertHeader(value string) (*x509.Certificate, []*x509.Certificate, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil, errors.New("empty client certificate header")
	}

	if strings.Contains(value, "%") {
		unescaped, err := url.PathUnescape(value)
		if err != nil {
			return nil, nil, fmt.Errorf("unescape client certificate: %w", err)
		}
		value = unescaped
	}

	if strings.Contains(value, "-----BEGIN") {
		certs, err := decodePEMCertificates([]byte(value))
		if err != nil {
			return nil, nil, err
		}
		return certs[0], certs[1:], nil
	}

	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, nil, fmt.Errorf("decode client certificate: %w", err)
	}
	p7, err := pkcs7.Parse(raw)
	if err != nil {
		// a bare DER certificate is accepted as well
		cert, certErr := x509.ParseCertificate(raw)
		if certErr != nil {
			return nil, nil, fmt.Errorf("parse client certificate: %w", err)
		}
		return cert, nil, nil
	}
	if len(p7.Certificates) == 0 {
		return nil, nil, errors.New("no certificate in PKCS#7 bundle")
	}
	return p7.Certificates[0], p7.Certificates[1:], nil
}

func decodePEMCertificates(pemData []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, pemData = pem.Decode(pemData)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, errors.New("failed to decode PEM certificate")
	}
	return certs, nil
}
