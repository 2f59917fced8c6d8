// Package gurtca is a thin consumer client for a GURT certificate
// authority. It only knows how to build and parse the three wire messages
// (root bundle fetch, certificate request, issuance poll); CSR issuance,
// challenge bookkeeping and CA key custody live in the CA service itself.
package gurtca

import (
	"context"
	"encoding/json"

	"github.com/zeonzip/gurt/pkg/client"
	gurterrors "github.com/zeonzip/gurt/pkg/errors"
	"github.com/zeonzip/gurt/pkg/message"
)

// Client issues GURT requests to a certificate authority's GURT endpoint.
type Client struct {
	inner *client.Client
	host  string
	port  int
}

// New wraps an already-constructed GURT client for talking to the CA at
// (host, port).
func New(inner *client.Client, host string, port int) *Client {
	return &Client{inner: inner, host: host, port: port}
}

// Root fetches the authority's root certificate bundle as a raw PEM blob
// (GET /ca/root).
func (c *Client) Root(ctx context.Context) ([]byte, error) {
	req := message.NewRequest(message.MethodGET, "/ca/root")
	resp, err := c.inner.Send(ctx, c.host, c.port, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != message.StatusOK {
		return nil, gurterrors.NewServerError(int(resp.StatusCode), "unexpected status fetching CA root")
	}
	return resp.Body, nil
}

// RequestCertificateInput is the body of POST /ca/request-certificate.
type RequestCertificateInput struct {
	Domain        string `json:"domain"`
	CSR           string `json:"csr"`
	ChallengeType string `json:"challenge_type"`
}

// RequestCertificateResult is the response body of the same call.
type RequestCertificateResult struct {
	Token            string `json:"token"`
	VerificationData string `json:"verification_data"`
}

// RequestCertificate submits a CSR and challenge type, returning the
// verification token the caller must satisfy before Certificate succeeds.
func (c *Client) RequestCertificate(ctx context.Context, in RequestCertificateInput) (*RequestCertificateResult, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, gurterrors.NewSerializationError("failed to encode certificate request", err)
	}
	req := message.NewRequest(message.MethodPOST, "/ca/request-certificate").
		WithHeader("Content-Type", "application/json").
		WithBody(body)

	resp, err := c.inner.Send(ctx, c.host, c.port, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != message.StatusOK && resp.StatusCode != message.StatusAccepted {
		return nil, gurterrors.NewServerError(int(resp.StatusCode), "certificate request rejected")
	}

	var out RequestCertificateResult
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, gurterrors.NewInvalidMessageError("malformed certificate-request response: " + err.Error())
	}
	return &out, nil
}

// CertificateResult is the response body once a challenge is satisfied.
type CertificateResult struct {
	CertPEM   string `json:"cert_pem"`
	ChainPEM  string `json:"chain_pem"`
	ExpiresAt string `json:"expires_at"`
}

// ErrChallengePending is returned by Certificate while the CA is still
// waiting on challenge completion (GET /ca/certificate/{token} → 202).
var ErrChallengePending = gurterrors.NewServerError(int(message.StatusAccepted), "certificate challenge not yet satisfied")

// Certificate polls GET /ca/certificate/{token}: 202 while the challenge is
// incomplete (surfaced as ErrChallengePending), 200 with the issued
// certificate once it is satisfied.
func (c *Client) Certificate(ctx context.Context, token string) (*CertificateResult, error) {
	req := message.NewRequest(message.MethodGET, "/ca/certificate/"+token)
	resp, err := c.inner.Send(ctx, c.host, c.port, req)
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case message.StatusAccepted:
		return nil, ErrChallengePending
	case message.StatusOK:
		var out CertificateResult
		if err := json.Unmarshal(resp.Body, &out); err != nil {
			return nil, gurterrors.NewInvalidMessageError("malformed certificate response: " + err.Error())
		}
		return &out, nil
	default:
		return nil, gurterrors.NewServerError(int(resp.StatusCode), "unexpected status fetching certificate")
	}
}
