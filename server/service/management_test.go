package service

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/fleetdm/mdmgateway/server/config"
	"github.com/fleetdm/mdmgateway/server/fleet"
	"github.com/fleetdm/mdmgateway/server/mdm/cryptoutil"
	microsoft_mdm "github.com/fleetdm/mdmgateway/server/mdm/microsoft"
	kitlog "github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClientCertHeader(t *testing.T, cn string) (string, *x509.Certificate) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := cryptoutil.NewCACert(cryptoutil.WithCommonName(cn), cryptoutil.WithValidity(time.Hour)).
		SelfSign(time.Now(), &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return url.PathEscape(string(cryptoutil.PEMCertificate(der))), cert
}

func TestMDMMicrosoftManagement(t *testing.T) {
	header, cert := newClientCertHeader(t, "device-1")
	verifyErr := fleet.NewAuthFailedError("verify client certificate: x509: certificate signed by unknown authority")

	cases := []struct {
		desc       string
		require    bool
		clientCert string
		verifyErr  error
		wantStatus int
		wantBody   string
		wantVerify bool
	}{
		{"no certificate", false, "", nil, http.StatusOK, "", false},
		{"no certificate required", true, "", nil, http.StatusUnauthorized, "Authentication failed", false},
		{"garbage certificate", false, "not-a-cert", nil, http.StatusOK, "", false},
		{"garbage certificate required", true, "not-a-cert", nil, http.StatusUnauthorized, "Authentication failed", false},
		{"trusted certificate", false, header, nil, http.StatusOK, "", true},
		{"trusted certificate required", true, header, nil, http.StatusOK, "", true},
		{"untrusted certificate", false, header, verifyErr, http.StatusOK, "", true},
		{"untrusted certificate required", true, header, verifyErr, http.StatusUnauthorized, "Authentication failed", true},
	}
	for _, c := range cases {
		t.Run(c.desc, func(t *testing.T) {
			verifier := &fakeVerifier{err: c.verifyErr}
			h := newTestHandler(t, verifier, &recordingRelay{}, func(cfg *config.GatewayConfig) {
				cfg.MDM.RequireClientCert = c.require
			})

			headers := map[string]string{microsoft_mdm.APIGatewayAuthHeader: "gw-secret"}
			if c.clientCert != "" {
				headers[microsoft_mdm.ClientCertHeader] = c.clientCert
			}
			rec := doRequest(t, h, http.MethodPost, "http://mdm.example.com"+microsoft_mdm.ManagementPath, "<SyncML/>", headers)
			assert.Equal(t, c.wantStatus, rec.Code)
			assert.Equal(t, c.wantBody, rec.Body.String())

			if c.wantVerify {
				require.Equal(t, 1, verifier.calls)
				assert.True(t, cert.Equal(verifier.cert))
			} else {
				assert.Zero(t, verifier.calls)
			}
		})
	}
}

func TestAuthenticateMDMManagementRequestStorageFailure(t *testing.T) {
	header, _ := newClientCertHeader(t, "device-2")
	storageErr := fleet.NewStorageUnavailableError("list trust anchors", errors.New("connection refused"))

	h := newTestHandler(t, &fakeVerifier{err: storageErr}, nil, func(c *config.GatewayConfig) {
		c.MDM.RequireClientCert = true
	})

	rec := doRequest(t, h, http.MethodGet, "http://mdm.example.com"+microsoft_mdm.ManagementPath, "", map[string]string{
		microsoft_mdm.ClientCertHeader: header,
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal Server Error", rec.Body.String())
}

func TestMDMMicrosoftManagementLogsBody(t *testing.T) {
	var buf bytes.Buffer
	logger := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(&buf))
	h := newTestHandlerWithLogger(t, nil, nil, nil, logger)

	body := "<SyncML><SyncHdr><MsgID>1</MsgID></SyncHdr></SyncML>"
	rec := doRequest(t, h, http.MethodPost, "http://mdm.example.com"+microsoft_mdm.ManagementPath, body, map[string]string{
		microsoft_mdm.APIGatewayAuthHeader: "gw-secret",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	out := buf.String()
	assert.Contains(t, out, "body_size=52")
	assert.Contains(t, out, "<MsgID>1</MsgID>")
	assert.Contains(t, out, "apigateway_auth=true")

	// only the start of a large body is logged
	buf.Reset()
	large := "<SyncML>" + strings.Repeat("a", 2*maxLoggedManagementBody) + "</SyncML>"
	rec = doRequest(t, h, http.MethodPost, "http://mdm.example.com"+microsoft_mdm.ManagementPath, large, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, buf.String(), "body_size=8209")
	assert.NotContains(t, buf.String(), "</SyncML>")

	rec = doRequest(t, h, http.MethodPost, "http://mdm.example.com"+microsoft_mdm.ManagementPath, strings.Repeat(" ", maxSoapRequestSize+1), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "management request too large", rec.Body.String())
}
