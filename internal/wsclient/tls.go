package wsclient

import (
	"crypto/tls"
	"net/http"
)

// insecureTransport clones the default transport with TLS verification
// disabled, used only when the caller's TunnelDescriptor opts out of
// certificate checking (--ignore-ssl-validate).
func insecureTransport() http.RoundTripper {
	base := http.DefaultTransport.(*http.Transport).Clone()
	if base.TLSClientConfig == nil {
		base.TLSClientConfig = &tls.Config{}
	} else {
		base.TLSClientConfig = base.TLSClientConfig.Clone()
	}
	base.TLSClientConfig.InsecureSkipVerify = true
	return base
}

func insecureHTTPClient() *http.Client {
	return &http.Client{Transport: insecureTransport()}
}
