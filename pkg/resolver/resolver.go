// Package resolver implements the GURT name-resolver client: a
// specialization of the client engine that resolves names by issuing GURT
// requests to a configured resolver address. The result cache itself lives
// in pkg/client; this package only knows how to issue the /resolve-full
// call.
package resolver

import (
	"context"
	"encoding/json"

	"github.com/zeonzip/gurt/pkg/client"
	gurterrors "github.com/zeonzip/gurt/pkg/errors"
	"github.com/zeonzip/gurt/pkg/message"
)

// Record mirrors one entry of the resolver's records array. Only A records
// are consumed by ResolveA, but the full shape round-trips so unrecognized
// record types are not silently dropped by callers that want the raw
// response.
type Record struct {
	Type  string `json:"type"`
	Value string `json:"value"`
	TTL   int    `json:"ttl,omitempty"`
	Name  string `json:"name,omitempty"`
}

// ResolveResponse is the full body of a /resolve-full response.
type ResolveResponse struct {
	Name    string   `json:"name"`
	TLD     string   `json:"tld"`
	Records []Record `json:"records"`
}

type resolveRequest struct {
	Domain string `json:"domain"`
}

// Client is a GURT client bootstrapped with a literal resolver IP:port.
type Client struct {
	inner *client.Client
	ip    string
	port  int
}

// New builds a resolver client. The resolver address is always a literal
// IP, so the underlying client needs no resolver of its own.
func New(ip string, port int, opts client.Options) (*Client, error) {
	inner, err := client.New(opts, nil)
	if err != nil {
		return nil, err
	}
	return &Client{inner: inner, ip: ip, port: port}, nil
}

// Close releases the underlying client's connection pool.
func (c *Client) Close() { c.inner.Close() }

// ResolveA issues POST /resolve-full for domain and returns the first A
// record's value. Absence of any A record is an InvalidMessage error.
func (c *Client) ResolveA(ctx context.Context, domain string) (string, error) {
	body, err := json.Marshal(resolveRequest{Domain: domain})
	if err != nil {
		return "", gurterrors.NewSerializationError("failed to encode resolve request", err)
	}

	req := message.NewRequest(message.MethodPOST, "/resolve-full").
		WithHeader("Content-Type", "application/json").
		WithBody(body)

	resp, err := c.inner.Send(ctx, c.ip, c.port, req)
	if err != nil {
		return "", gurterrors.NewInvalidMessageError("resolver request failed: " + err.Error())
	}
	if resp.StatusCode != message.StatusOK {
		return "", gurterrors.NewInvalidMessageError("resolver returned non-200 status")
	}

	var parsed ResolveResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return "", gurterrors.NewInvalidMessageError("malformed resolver response: " + err.Error())
	}

	for _, rec := range parsed.Records {
		if rec.Type == "A" {
			return rec.Value, nil
		}
	}
	return "", gurterrors.NewDNSError(domain, nil)
}
