package resolver

import (
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
)

// authPolicy attaches either a bearer token or HTTP Basic credentials
// (tenant/user:password, plus an optional TFA one-time-password header) to
// every outgoing request. It is a per-call policy so retries reuse the same
// header rather than re-deriving it.
type authPolicy struct {
	creds Credentials
}

func (p *authPolicy) Do(req *policy.Request) (*http.Response, error) {
	if p.creds.bearer() {
		req.Raw().Header.Set("Authorization", "Bearer "+p.creds.Token)
	} else if p.creds.User != "" {
		principal := p.creds.User
		if p.creds.Tenant != "" {
			principal = p.creds.Tenant + "/" + p.creds.User
		}
		req.Raw().SetBasicAuth(principal, p.creds.Password)
		if p.creds.TFACode != "" {
			req.Raw().Header.Set("TFAToken", p.creds.TFACode)
		}
	}
	return req.Next()
}
