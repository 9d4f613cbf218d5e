// Package resolver turns a device external identity plus a named
// remote-access configuration into an authenticated TunnelDescriptor by
// walking the Cumulocity REST API: tenant discovery, token validation,
// managed-object lookup, and configuration lookup (§4.4). Grounded on the
// teacher's arc.Client REST pattern (azcore/runtime pipeline over ARM-style
// PUT/POST helpers), generalized to a plain HTTPS pipeline with a bearer or
// basic-auth per-call policy instead of an ARM TokenCredential.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"

	"github.com/philsphicas/c8ylp/internal/c8yerr"
	"github.com/philsphicas/c8ylp/internal/tunnel"
)

// DefaultExternalType is the identity type used when the caller doesn't
// supply one (§6 --external-type).
const DefaultExternalType = "c8y_Serial"

// DefaultConfiguration is the remote-access configuration name used when
// the caller doesn't supply one (§6 --config).
const DefaultConfiguration = "Passthrough"

// Credentials carries exactly one of a bearer token or a user/password (+
// optional TFA code) pair, mirroring the two auth inputs in §4.4.
type Credentials struct {
	Token    string
	Tenant   string // only meaningful with User/Password; may be empty
	User     string
	Password string
	TFACode  string
}

func (c Credentials) bearer() bool { return c.Token != "" }

// Request is the input to Resolve.
type Request struct {
	Host                 string
	Tenant               string // pre-known tenant id; empty triggers discovery
	Credentials          Credentials
	ExternalIdentity     string
	ExternalIdentityType string // defaults to DefaultExternalType
	Configuration        string // defaults to DefaultConfiguration
	InsecureSkipVerify   bool
}

func (r Request) externalType() string {
	if r.ExternalIdentityType != "" {
		return r.ExternalIdentityType
	}
	return DefaultExternalType
}

func (r Request) configuration() string {
	if r.Configuration != "" {
		return r.Configuration
	}
	return DefaultConfiguration
}

// Resolver resolves TunnelDescriptors against one Cumulocity host.
type Resolver struct {
	pipeline runtime.Pipeline
}

// New builds a Resolver. httpClient may be nil to use the default transport;
// callers pass an insecure-skip-verify client when Request.InsecureSkipVerify
// is set, matching wsclient's TLS handling.
func New(creds Credentials, httpClient policy.Transporter) *Resolver {
	authPolicy := &authPolicy{creds: creds}
	opts := &policy.ClientOptions{
		Retry: policy.RetryOptions{
			MaxRetries:    2,
			RetryDelay:    250 * time.Millisecond,
			MaxRetryDelay: 1 * time.Second,
			StatusCodes:   retryableStatusCodes,
		},
	}
	if httpClient != nil {
		opts.Transport = httpClient
	}
	pl := runtime.NewPipeline("c8ylp-resolver", "v1", runtime.PipelineOptions{
		PerCall: []policy.Policy{authPolicy},
	}, opts)
	return &Resolver{pipeline: pl}
}

// retryableStatusCodes excludes 401/403/404 so auth failures and missing
// resources never retry (§4.4 "Authentication failures and 404s are not
// retried"). The pipeline retries a response only when its status is in this
// list (408, 429, 500, 502, 503, 504); other 5xx statuses are not retried.
// Transport errors are retried as well.
var retryableStatusCodes = []int{
	http.StatusRequestTimeout,
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// Resolve runs the full §4.4 algorithm and returns a ready-to-use
// TunnelDescriptor.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*tunnel.Descriptor, error) {
	host := tunnel.NormalizeHost(req.Host)

	tenantID := req.Tenant
	if tenantID == "" {
		var err error
		tenantID, err = r.resolveTenantID(ctx, host)
		if err != nil {
			return nil, err
		}
	}

	token := req.Credentials.Token
	if token != "" {
		if err := r.validateToken(ctx, host); err != nil {
			return nil, err
		}
	}

	deviceID, err := r.resolveDeviceID(ctx, host, req.externalType(), req.ExternalIdentity)
	if err != nil {
		return nil, err
	}

	configID, err := r.resolveConfiguration(ctx, host, deviceID, req.configuration())
	if err != nil {
		return nil, err
	}

	return &tunnel.Descriptor{
		BaseHost:           host,
		TenantID:           tenantID,
		DeviceID:           deviceID,
		ConfigurationID:    configID,
		Token:              token,
		InsecureSkipVerify: req.InsecureSkipVerify,
	}, nil
}

type loginOption struct {
	Type        string `json:"type"`
	InitRequest string `json:"initRequest"`
}

type loginOptionsResponse struct {
	LoginOptions []loginOption `json:"loginOptions"`
}

func (r *Resolver) resolveTenantID(ctx context.Context, host string) (string, error) {
	var body loginOptionsResponse
	if err := r.getJSON(ctx, host+"/tenant/loginOptions", &body); err != nil {
		return "", err
	}
	for _, opt := range body.LoginOptions {
		if opt.Type == "OAUTH2_INTERNAL" {
			tenantID := parseTenantID(opt.InitRequest)
			if tenantID == "" {
				return "", c8yerr.TenantNotFound("resolver.resolveTenantID",
					fmt.Errorf("OAUTH2_INTERNAL login option has no tenant id in initRequest"))
			}
			return tenantID, nil
		}
	}
	return "", c8yerr.TenantNotFound("resolver.resolveTenantID",
		fmt.Errorf("no OAUTH2_INTERNAL login option present"))
}

// parseTenantID extracts the tenant_id value from an initRequest query
// string such as "tenant_id=t123&foo=bar".
func parseTenantID(initRequest string) string {
	values, err := url.ParseQuery(initRequest)
	if err != nil {
		return ""
	}
	return values.Get("tenant_id")
}

func (r *Resolver) validateToken(ctx context.Context, host string) error {
	resp, err := r.do(ctx, host+"/tenant/currentTenant")
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return c8yerr.Auth("resolver.validateToken", fmt.Errorf("token rejected (401)"))
	case resp.StatusCode >= 500:
		return c8yerr.TunnelUnavailable("resolver.validateToken",
			fmt.Errorf("currentTenant returned %d", resp.StatusCode))
	default:
		return c8yerr.New(c8yerr.KindInternal, "resolver.validateToken",
			fmt.Errorf("unexpected status %d validating token", resp.StatusCode))
	}
}

type managedObjectRef struct {
	ManagedObject struct {
		ID string `json:"id"`
	} `json:"managedObject"`
}

func (r *Resolver) resolveDeviceID(ctx context.Context, host, externalType, identity string) (string, error) {
	url := fmt.Sprintf("%s/identity/externalIds/%s/%s", host, externalType, identity)
	resp, err := r.do(ctx, url)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return "", c8yerr.DeviceNotFound("resolver.resolveDeviceID",
			fmt.Errorf("no external id %s/%s", externalType, identity))
	}
	if resp.StatusCode != http.StatusOK {
		return "", unexpectedStatus("resolver.resolveDeviceID", resp)
	}

	var body managedObjectRef
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", c8yerr.New(c8yerr.KindInternal, "resolver.resolveDeviceID", err)
	}
	if body.ManagedObject.ID == "" {
		return "", c8yerr.DeviceNotFound("resolver.resolveDeviceID",
			fmt.Errorf("externalIds response missing managedObject.id"))
	}
	return body.ManagedObject.ID, nil
}

type remoteAccessConfig struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type remoteAccessConfigListResponse struct {
	Configurations []remoteAccessConfig `json:"c8y_RemoteAccessList"`
}

// resolveConfiguration matches by name (§3 "configuration id (matched by
// name)") but returns the configuration's id, since that is the value §4.4
// step 6 embeds in the tunnel URL path, not the name used to select it.
func (r *Resolver) resolveConfiguration(ctx context.Context, host, deviceID, name string) (string, error) {
	url := fmt.Sprintf("%s/service/remoteaccess/devices/%s/configurations", host, deviceID)
	var body remoteAccessConfigListResponse
	if err := r.getJSON(ctx, url, &body); err != nil {
		return "", err
	}
	for _, cfg := range body.Configurations {
		if cfg.Name == name {
			return cfg.ID, nil
		}
	}
	return "", c8yerr.ConfigNotFound("resolver.resolveConfiguration",
		fmt.Errorf("no remote-access configuration named %q for device %s", name, deviceID))
}

func (r *Resolver) getJSON(ctx context.Context, url string, out any) error {
	resp, err := r.do(ctx, url)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return unexpectedStatus("resolver.getJSON", resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return c8yerr.New(c8yerr.KindInternal, "resolver.getJSON", err)
	}
	return nil
}

// do issues an idempotent GET through the retrying pipeline. The Resolver
// never sends a body: every §4.4 call is a read.
func (r *Resolver) do(ctx context.Context, url string) (*http.Response, error) {
	req, err := runtime.NewRequest(ctx, http.MethodGet, url)
	if err != nil {
		return nil, c8yerr.New(c8yerr.KindInternal, "resolver.do", err)
	}
	req.Raw().Header.Set("Accept", "application/json")

	resp, err := r.pipeline.Do(req)
	if err != nil {
		return nil, c8yerr.TunnelUnavailable("resolver.do", err)
	}
	return resp, nil
}

func unexpectedStatus(op string, resp *http.Response) error {
	return c8yerr.New(c8yerr.KindInternal, op, fmt.Errorf("unexpected HTTP status %d", resp.StatusCode))
}
