package service

import (
	"context"
	"io"
	"net/http"

	"github.com/fleetdm/mdmgateway/server/contexts/ctxerr"
	"github.com/fleetdm/mdmgateway/server/contexts/logging"
	"github.com/fleetdm/mdmgateway/server/fleet"
	"github.com/fleetdm/mdmgateway/server/mdm/cryptoutil"
	microsoft_mdm "github.com/fleetdm/mdmgateway/server/mdm/microsoft"
	"github.com/go-kit/log/level"
)

// maxLoggedManagementBody bounds how much of a management request body ends
// up in the request log line.
const maxLoggedManagementBody = 4096

type mdmManagementRequest struct {
	GatewayAuth string
	ClientCert  string
}

// DecodeRequest reads the gateway headers and the SyncML body. The body is
// only logged.
func (mdmManagementRequest) DecodeRequest(ctx context.Context, r *http.Request) (interface{}, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSoapRequestSize+1))
	if err != nil {
		return nil, ctxerr.Wrap(ctx, fleet.NewMalformedRequestError("reading management request", err), "read management request")
	}
	if len(body) > maxSoapRequestSize {
		return nil, ctxerr.Wrap(ctx, fleet.NewMalformedRequestError("management request too large", nil), "read management request")
	}

	logged := body
	if len(logged) > maxLoggedManagementBody {
		logged = logged[:maxLoggedManagementBody]
	}
	logging.WithExtras(ctx, "body_size", len(body), "body", string(logged))

	return &mdmManagementRequest{
		GatewayAuth: r.Header.Get(microsoft_mdm.APIGatewayAuthHeader),
		ClientCert:  r.Header.Get(microsoft_mdm.ClientCertHeader),
	}, nil
}

func mdmMicrosoftManagementEndpoint(ctx context.Context, request interface{}, svc fleet.Service) (errorer, error) {
	req := request.(*mdmManagementRequest)

	if err := svc.AuthenticateMDMManagementRequest(ctx, req.GatewayAuth, req.ClientCert); err != nil {
		return emptyResponse{Err: err}, nil
	}
	return emptyResponse{}, nil
}

// AuthenticateMDMManagementRequest verifies the client certificate forwarded
// by the API gateway, if any. Unless client certificates are required the
// outcome is only logged.
func (svc *Service) AuthenticateMDMManagementRequest(ctx context.Context, gatewayAuth string, clientCert string) error {
	logging.WithExtras(ctx, "apigateway_auth", gatewayAuth != "", "client_cert", clientCert != "")

	if clientCert == "" {
		if svc.requireClientCert {
			return ctxerr.Wrap(ctx, fleet.NewAuthFailedError("missing client certificate"), "management auth")
		}
		return nil
	}

	cert, intermediates, err := cryptoutil.ParseClientCertHeader(clientCert)
	if err != nil {
		if svc.requireClientCert {
			return ctxerr.Wrap(ctx, fleet.NewAuthFailedError("parse client certificate: "+err.Error()), "management auth")
		}
		logging.WithExtras(ctx, "client_cert_error", err)
		logging.WithLevel(ctx, level.Info)
		return nil
	}
	logging.WithExtras(ctx,
		"device_cert_subject", cert.Subject.CommonName,
		"device_cert_fingerprint", cryptoutil.CertFingerprintHexStr(cert),
	)

	if err := svc.authorities.VerifyClientCertificate(ctx, cert, intermediates); err != nil {
		if svc.requireClientCert {
			return ctxerr.Wrap(ctx, err, "management auth")
		}
		logging.WithExtras(ctx, "client_cert_verified", false, "client_cert_error", err)
		logging.WithLevel(ctx, level.Info)
		return nil
	}
	logging.WithExtras(ctx, "client_cert_verified", true)
	return nil
}
