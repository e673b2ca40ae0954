package microsoft_mdm

import (
	"bytes"
	"encoding/xml"
	"errors"
	htmltemplate "html/template"
	"net/url"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/fleetdm/mdmgateway/server/fleet"
	"github.com/google/uuid"
)

// The Windows enrollment client parses these documents strictly, so they
// are rendered from literal templates instead of a generic XML encoder.
// Every substituted value goes through xmlEscape.

var discoverResponseTmpl = template.Must(template.New("discover").Funcs(template.FuncMap{"xml": xmlEscape}).Parse(
	`<s:Envelope xmlns:s="` + EnrollNSS + `" xmlns:a="` + EnrollNSA + `">
  <s:Header>
    <a:Action s:mustUnderstand="1">` + ActionNsDiscovery + `</a:Action>
    <ActivityId CorrelationId="{{xml .ActivityID}}" xmlns="` + ActionNsDiag + `">{{xml .ActivityID}}</ActivityId>
    <a:RelatesTo>{{xml .RelatesTo}}</a:RelatesTo>
  </s:Header>
  <s:Body xmlns:xsi="` + EnrollXSI + `" xmlns:xsd="` + EnrollXSD + `">
    <DiscoverResponse xmlns="` + DiscoverNS + `">
      <DiscoverResult>
        <AuthPolicy>` + AuthPolicyFederated + `</AuthPolicy>
        <EnrollmentVersion>` + EnrollmentVersionV4 + `</EnrollmentVersion>
        <EnrollmentPolicyServiceUrl>{{xml .PolicyURL}}</EnrollmentPolicyServiceUrl>
        <EnrollmentServiceUrl>{{xml .EnrollmentURL}}</EnrollmentServiceUrl>
        <AuthenticationServiceUrl>{{xml .AuthenticationURL}}</AuthenticationServiceUrl>
      </DiscoverResult>
    </DiscoverResponse>
  </s:Body>
</s:Envelope>
`))

var getPoliciesResponseTmpl = template.Must(template.New("policies").Funcs(template.FuncMap{"xml": xmlEscape}).Parse(
	`<s:Envelope xmlns:s="` + EnrollNSS + `" xmlns:a="` + EnrollNSA + `">
  <s:Header>
    <a:Action s:mustUnderstand="1">` + ActionNsPolicy + `</a:Action>
    <ActivityId CorrelationId="{{xml .ActivityID}}" xmlns="` + ActionNsDiag + `">{{xml .ActivityID}}</ActivityId>
    <a:RelatesTo>{{xml .RelatesTo}}</a:RelatesTo>
  </s:Header>
  <s:Body xmlns:xsi="` + EnrollXSI + `" xmlns:xsd="` + EnrollXSD + `">
    <GetPoliciesResponse xmlns="` + PolicyNS + `">
      <response>
        <policyID />
        <policyFriendlyName xsi:nil="true" />
        <nextUpdateHours xsi:nil="true" />
        <policiesNotChanged xsi:nil="true" />
        <policies>
          <policy>
            <policyOIDReference>0</policyOIDReference>
            <cAs xsi:nil="true" />
            <attributes>
              <commonName>{{xml .Policy.CommonName}}</commonName>
              <policySchema>3</policySchema>
              <certificateValidity>
                <validityPeriodSeconds>{{.ValiditySeconds}}</validityPeriodSeconds>
                <renewalPeriodSeconds>{{.RenewalSeconds}}</renewalPeriodSeconds>
              </certificateValidity>
              <permission>
                <enroll>true</enroll>
                <autoEnroll>false</autoEnroll>
              </permission>
              <privateKeyAttributes>
                <minimalKeyLength>{{.Policy.MinimalKeyLength}}</minimalKeyLength>
                <keySpec xsi:nil="true" />
                <keyUsageProperty xsi:nil="true" />
                <permissions xsi:nil="true" />
                <algorithmOIDReference xsi:nil="true" />
                <cryptoProviders xsi:nil="true" />
              </privateKeyAttributes>
              <revision>
                <majorRevision>101</majorRevision>
                <minorRevision>0</minorRevision>
              </revision>
              <supersededPolicies xsi:nil="true" />
              <privateKeyFlags xsi:nil="true" />
              <subjectNameFlags xsi:nil="true" />
              <enrollmentFlags xsi:nil="true" />
              <generalFlags xsi:nil="true" />
              <hashAlgorithmOIDReference>0</hashAlgorithmOIDReference>
              <rARequirements xsi:nil="true" />
              <keyArchivalAttributes xsi:nil="true" />
              <extensions xsi:nil="true" />
            </attributes>
          </policy>
        </policies>
      </response>
      <cAs xsi:nil="true" />
      <oIDs>
        <oID>
          <value>{{xml .Policy.HashAlgorithmOID}}</value>
          <group>4</group>
          <oIDReferenceID>0</oIDReferenceID>
          <defaultName>{{xml .Policy.HashAlgorithmName}}</defaultName>
        </oID>
      </oIDs>
    </GetPoliciesResponse>
  </s:Body>
</s:Envelope>
`))

// The page is rendered in the enrollment webview, which posts wresult back
// to appru. The token is opaque to the enrollment client and comes back in
// the BinarySecurityToken of the enrollment request.
var stsAuthFormTmpl = htmltemplate.Must(htmltemplate.New("sts").Parse(`<!DOCTYPE html>
<html>
  <head>
    <title>Working...</title>
  </head>
  <body onload="document.forms[0].submit()">
    <form method="post" action="{{.ActionURL}}">
      <input type="hidden" name="wresult" value="{{.Token}}" />
      <noscript><input type="submit" value="Continue" /></noscript>
    </form>
  </body>
</html>
`))

// CertificatePolicy is the certificate issuance policy returned by the
// Policy service. It is the same for every device.
type CertificatePolicy struct {
	CommonName        string
	MinimalKeyLength  int
	HashAlgorithmOID  string
	HashAlgorithmName string
	ValidityPeriod    time.Duration
	RenewalPeriod     time.Duration
}

// DefaultCertificatePolicy returns a policy requiring 4096 bit keys and
// SHA-256.
func DefaultCertificatePolicy() CertificatePolicy {
	return CertificatePolicy{
		CommonName:        "MDMGatewayAttributes",
		MinimalKeyLength:  4096,
		HashAlgorithmOID:  "2.16.840.1.101.3.4.2.1",
		HashAlgorithmName: "szOID_NIST_sha256",
		ValidityPeriod:    365 * 24 * time.Hour,
		RenewalPeriod:     180 * 24 * time.Hour,
	}
}

// RenderDiscoverResponse renders the DiscoverResponse envelope answering the
// message relatesTo. The advertised service URLs are built from origin.
func RenderDiscoverResponse(relatesTo string, origin *url.URL) ([]byte, error) {
	var buf bytes.Buffer
	err := discoverResponseTmpl.Execute(&buf, struct {
		ActivityID        string
		RelatesTo         string
		PolicyURL         string
		EnrollmentURL     string
		AuthenticationURL string
	}{
		ActivityID:        uuid.NewString(),
		RelatesTo:         relatesTo,
		PolicyURL:         ServiceURL(origin, PolicyPath),
		EnrollmentURL:     ServiceURL(origin, EnrollmentPath),
		AuthenticationURL: ServiceURL(origin, AuthenticatePath),
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RenderGetPoliciesResponse renders the GetPoliciesResponse envelope
// answering the message relatesTo.
func RenderGetPoliciesResponse(relatesTo string, policy CertificatePolicy) ([]byte, error) {
	if policy.MinimalKeyLength <= 0 {
		return nil, errors.New("invalid policy: minimal key length must be positive")
	}
	if policy.HashAlgorithmOID == "" {
		return nil, errors.New("invalid policy: hash algorithm OID must be set")
	}

	var buf bytes.Buffer
	err := getPoliciesResponseTmpl.Execute(&buf, struct {
		ActivityID      string
		RelatesTo       string
		Policy          CertificatePolicy
		ValiditySeconds string
		RenewalSeconds  string
	}{
		ActivityID:      uuid.NewString(),
		RelatesTo:       relatesTo,
		Policy:          policy,
		ValiditySeconds: strconv.FormatInt(int64(policy.ValidityPeriod/time.Second), 10),
		RenewalSeconds:  strconv.FormatInt(int64(policy.RenewalPeriod/time.Second), 10),
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RenderSTSAuthForm renders the page that posts token as wresult to appru.
// appru is the return URL provided by the enrollment client, typically an
// ms-app:// URL. Script URLs are rejected.
func RenderSTSAuthForm(appru, token string) ([]byte, error) {
	u, err := url.Parse(appru)
	if err != nil {
		return nil, fleet.NewMalformedRequestError("invalid appru", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "", "javascript", "vbscript", "data":
		return nil, fleet.NewMalformedRequestError("invalid appru", errors.New("unsupported appru scheme "+strconv.Quote(u.Scheme)))
	}

	var buf bytes.Buffer
	err = stsAuthFormTmpl.Execute(&buf, struct {
		ActionURL htmltemplate.URL
		Token     string
	}{
		// the scheme was checked above, html/template would otherwise
		// replace ms-app:// URLs
		ActionURL: htmltemplate.URL(u.String()), //nolint:gosec
		Token:     token,
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func xmlEscape(s string) (string, error) {
	var buf strings.Builder
	if err := xml.EscapeText(&buf, []byte(s)); err != nil {
		return "", err
	}
	return buf.String(), nil
}
