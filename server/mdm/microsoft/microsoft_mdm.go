// Package microsoft_mdm implements the subset of the Microsoft Device
// Enrollment v2 protocol (MS-MDE2) served by the gateway: parsing of the
// inbound SOAP envelopes and rendering of the discovery, policy and
// authentication responses.
package microsoft_mdm

import (
	"net/url"
	"strings"
)

const (
	// EnrollmentServerPrefix is the path under which every enrollment service
	// lives. Paths below it that the gateway does not serve are relayed to
	// the upstream MDM engine.
	EnrollmentServerPrefix = "/EnrollmentServer/"

	// ManagementServerPrefix is the path of the device management services.
	ManagementServerPrefix = "/ManagementServer/"

	// DiscoveryPath is the HTTP endpoint path that serves the IDiscoveryService functionality.
	// This is the endpoint that process the Discover and DiscoverResponse messages
	// See the section 3.1 on the MS-MDE2 specification for more details:
	// https://learn.microsoft.com/en-us/openspecs/windows_protocols/ms-mde2/2681fd76-1997-4557-8963-cf656ab8d887
	DiscoveryPath = EnrollmentServerPrefix + "Discovery.svc"

	// PolicyPath is the HTTP endpoint path that delivers the X.509 Certificate Enrollment Policy (MS-XCEP) functionality.
	// See the section 3.3 on the MS-MDE2 specification for more details:
	// https://learn.microsoft.com/en-us/openspecs/windows_protocols/ms-mde2/8a5efdf8-64a9-44fd-ab63-071a26c9f2dc
	PolicyPath = EnrollmentServerPrefix + "Policy.svc"

	// EnrollmentPath is the WS-Trust X.509v3 Token Enrollment (MS-WSTEP)
	// endpoint. It is advertised by discovery and served by the upstream
	// engine through the relay.
	EnrollmentPath = EnrollmentServerPrefix + "Enrollment.svc"

	// AuthenticatePath is the federated authentication page that hands a
	// security token back to the Windows enrollment client.
	AuthenticatePath = EnrollmentServerPrefix + "Authenticate.svc"

	// ManagementPath is the device check-in endpoint.
	ManagementPath = ManagementServerPrefix + "Manage.svc"
)

// XML Namespaces and type URLs used by the Microsoft Device Enrollment v2 protocol (MS-MDE2)
const (
	DiscoverNS        = "http://schemas.microsoft.com/windows/management/2012/01/enrollment"
	PolicyNS          = "http://schemas.microsoft.com/windows/pki/2009/01/enrollmentpolicy"
	EnrollNSS         = "http://www.w3.org/2003/05/soap-envelope"
	EnrollNSA         = "http://www.w3.org/2005/08/addressing"
	EnrollXSI         = "http://www.w3.org/2001/XMLSchema-instance"
	EnrollXSD         = "http://www.w3.org/2001/XMLSchema"
	ActionNsDiag      = "http://schemas.microsoft.com/2004/09/ServiceModel/Diagnostics"
	ActionNsDiscovery = "http://schemas.microsoft.com/windows/management/2012/01/enrollment/IDiscoveryService/DiscoverResponse"
	ActionNsPolicy    = "http://schemas.microsoft.com/windows/pki/2009/01/enrollmentpolicy/IPolicy/GetPoliciesResponse"
)

// MS-MDE2 Message constants
const (
	// Enrollment protocol version advertised by discovery
	EnrollmentVersionV4 = "4.0"

	// Authentication policy advertised by discovery. Federated makes the
	// client open AuthenticationServiceUrl before enrolling.
	AuthPolicyFederated = "Federated"

	// HTTP Content Type for SOAP responses
	SoapContentType = "application/soap+xml; charset=utf-8"

	// HTTP Content Type for the authentication page
	WebContainerContentType = "text/html; charset=UTF-8"

	// Headers set by the API gateway in front of the management endpoint
	APIGatewayAuthHeader = "x-apigateway-auth"
	ClientCertHeader     = "x-client-cert"
)

// ServiceURL returns the absolute URL of path on origin.
func ServiceURL(origin *url.URL, path string) string {
	u := url.URL{
		Scheme: origin.Scheme,
		Host:   origin.Host,
		Path:   strings.TrimSuffix(origin.Path, "/") + path,
	}
	return u.String()
}
