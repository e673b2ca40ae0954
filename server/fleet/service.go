package fleet

import (
	"context"
	"net/url"
)

// Service is the enrollment front door served by the gateway.
type Service interface {
	// GetMDMMicrosoftSTSAuthResponse returns the page that hands a security
	// token back to the Windows enrollment client at appru.
	GetMDMMicrosoftSTSAuthResponse(ctx context.Context, appru string) ([]byte, error)

	// GetMDMMicrosoftDiscoveryResponse returns the DiscoverResponse envelope
	// answering messageID, advertising services on origin.
	GetMDMMicrosoftDiscoveryResponse(ctx context.Context, messageID string, origin *url.URL) ([]byte, error)

	// GetMDMMicrosoftPolicyResponse returns the GetPoliciesResponse envelope
	// answering messageID.
	GetMDMMicrosoftPolicyResponse(ctx context.Context, messageID string) ([]byte, error)

	// AuthenticateMDMManagementRequest checks the headers set by the API
	// gateway on a device check-in.
	AuthenticateMDMManagementRequest(ctx context.Context, gatewayAuth string, clientCert string) error
}

// TokenIssuer issues the security token returned to the enrollment client
// after federated authentication.
type TokenIssuer interface {
	IssueEnrollmentToken(ctx context.Context, appru string) (string, error)
}
