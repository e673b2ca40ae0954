package service

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/fleetdm/mdmgateway/server/contexts/ctxerr"
	"github.com/fleetdm/mdmgateway/server/contexts/logging"
	"github.com/fleetdm/mdmgateway/server/fleet"
	microsoft_mdm "github.com/fleetdm/mdmgateway/server/mdm/microsoft"
)

// maxSoapRequestSize bounds the SOAP envelopes read from enrollment
// clients.
const maxSoapRequestSize = 1 << 20

////////////////////////////////////////////////////////////////////////////////
// Request and response containers
////////////////////////////////////////////////////////////////////////////////

// SoapRequestContainer holds a decoded MS-MDE2 SOAP envelope and the origin
// the request reached the gateway on.
type SoapRequestContainer struct {
	Data   *microsoft_mdm.SoapRequest
	Origin *url.URL
}

// DecodeRequest reads and parses the SOAP envelope of r.
func (SoapRequestContainer) DecodeRequest(ctx context.Context, r *http.Request) (interface{}, error) {
	reqBytes, err := io.ReadAll(io.LimitReader(r.Body, maxSoapRequestSize+1))
	if err != nil {
		return nil, ctxerr.Wrap(ctx, fleet.NewMalformedRequestError("reading soap mdm request", err), "read soap request")
	}
	if len(reqBytes) > maxSoapRequestSize {
		return nil, ctxerr.Wrap(ctx, fleet.NewMalformedRequestError("soap request too large", nil), "read soap request")
	}

	req, err := microsoft_mdm.ParseRequest(reqBytes)
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "parse soap request")
	}
	return &SoapRequestContainer{Data: req, Origin: requestOrigin(r)}, nil
}

type SoapResponseContainer struct {
	Data []byte
	Err  error
}

func (r SoapResponseContainer) error() error { return r.Err }

// hijackRender writes the response header and the RAW XML output
func (r SoapResponseContainer) hijackRender(ctx context.Context, w http.ResponseWriter) {
	w.Header().Set("Content-Type", microsoft_mdm.SoapContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(r.Data)))
	w.WriteHeader(http.StatusOK)
	if n, err := w.Write(r.Data); err != nil {
		logging.WithExtras(ctx, "err", err, "written", n)
	}
}

type mdmAuthenticateRequest struct {
	AppRU string
}

func (mdmAuthenticateRequest) DecodeRequest(ctx context.Context, r *http.Request) (interface{}, error) {
	return &mdmAuthenticateRequest{AppRU: r.URL.Query().Get("appru")}, nil
}

type MDMWebContainer struct {
	Data []byte
	Err  error
}

func (r MDMWebContainer) error() error { return r.Err }

// hijackRender writes the response header and the RAW HTML output
func (r MDMWebContainer) hijackRender(ctx context.Context, w http.ResponseWriter) {
	w.Header().Set("Content-Type", microsoft_mdm.WebContainerContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(r.Data)))
	w.WriteHeader(http.StatusOK)
	if n, err := w.Write(r.Data); err != nil {
		logging.WithExtras(ctx, "err", err, "written", n)
	}
}

// emptyResponse is a 200 with no body.
type emptyResponse struct {
	Err error
}

func (r emptyResponse) error() error { return r.Err }

////////////////////////////////////////////////////////////////////////////////
// Endpoints
////////////////////////////////////////////////////////////////////////////////

// mdmMicrosoftAuthenticationEndpoint handles the federated authentication
// page requested by the enrollment client when discovery advertised the
// Federated policy.
func mdmMicrosoftAuthenticationEndpoint(ctx context.Context, request interface{}, svc fleet.Service) (errorer, error) {
	req := request.(*mdmAuthenticateRequest)

	page, err := svc.GetMDMMicrosoftSTSAuthResponse(ctx, req.AppRU)
	if err != nil {
		return MDMWebContainer{Err: err}, nil
	}
	return MDMWebContainer{Data: page}, nil
}

// mdmMicrosoftDiscoveryProbeEndpoint answers the GET Windows sends to the
// discovery URL before posting the Discover message.
func mdmMicrosoftDiscoveryProbeEndpoint(ctx context.Context, request interface{}, svc fleet.Service) (errorer, error) {
	return emptyResponse{}, nil
}

func mdmMicrosoftDiscoveryEndpoint(ctx context.Context, request interface{}, svc fleet.Service) (errorer, error) {
	req := request.(*SoapRequestContainer)

	res, err := svc.GetMDMMicrosoftDiscoveryResponse(ctx, req.Data.GetMessageID(), req.Origin)
	if err != nil {
		return SoapResponseContainer{Err: err}, nil
	}
	return SoapResponseContainer{Data: res}, nil
}

func mdmMicrosoftPolicyEndpoint(ctx context.Context, request interface{}, svc fleet.Service) (errorer, error) {
	req := request.(*SoapRequestContainer)

	res, err := svc.GetMDMMicrosoftPolicyResponse(ctx, req.Data.GetMessageID())
	if err != nil {
		return SoapResponseContainer{Err: err}, nil
	}
	return SoapResponseContainer{Data: res}, nil
}

////////////////////////////////////////////////////////////////////////////////
// Service methods
////////////////////////////////////////////////////////////////////////////////

// GetMDMMicrosoftSTSAuthResponse returns a valid Security Token Service (STS) page content
func (svc *Service) GetMDMMicrosoftSTSAuthResponse(ctx context.Context, appru string) ([]byte, error) {
	if appru == "" {
		return nil, ctxerr.Wrap(ctx, fleet.NewMissingParameterError("appru"), "sts auth")
	}

	// The security token in wresult is later passed back in
	// <wsse:BinarySecurityToken>. It is opaque to the enrollment client.
	token, err := svc.tokens.IssueEnrollmentToken(ctx, appru)
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "issue enrollment token")
	}

	page, err := microsoft_mdm.RenderSTSAuthForm(appru, token)
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "render sts auth form")
	}
	return page, nil
}

// GetMDMMicrosoftDiscoveryResponse returns the DiscoverResponse envelope
// pointing the client at the services on origin.
func (svc *Service) GetMDMMicrosoftDiscoveryResponse(ctx context.Context, messageID string, origin *url.URL) ([]byte, error) {
	res, err := microsoft_mdm.RenderDiscoverResponse(messageID, origin)
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "render discover response")
	}
	return res, nil
}

// GetMDMMicrosoftPolicyResponse returns the certificate enrollment policy.
// The same policy is served to every device.
func (svc *Service) GetMDMMicrosoftPolicyResponse(ctx context.Context, messageID string) ([]byte, error) {
	res, err := microsoft_mdm.RenderGetPoliciesResponse(messageID, svc.policy)
	if err != nil {
		return nil, ctxerr.Wrap(ctx, err, "render get policies response")
	}
	return res, nil
}
