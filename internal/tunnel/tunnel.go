// Package tunnel holds the immutable data that describes one remote-access
// session: the resolved Cumulocity tunnel endpoint and the local TCP
// endpoint the Acceptor binds to reach it.
package tunnel

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// Descriptor is produced once by the Resolver and shared by reference for
// the lifetime of a Supervisor run. It is immutable after construction.
type Descriptor struct {
	// BaseHost is the normalized scheme+authority of the Cumulocity tenant,
	// e.g. "https://mytenant.cumulocity.com".
	BaseHost string
	// TenantID is the resolved or user-supplied tenant identifier.
	TenantID string
	// DeviceID is the managed-object id of the target device.
	DeviceID string
	// ConfigurationID is the remote-access configuration id selected by name.
	ConfigurationID string
	// Token is the bearer token used both for REST calls and the WS upgrade.
	Token string
	// InsecureSkipVerify disables TLS peer verification when true.
	InsecureSkipVerify bool
}

// LogValue redacts Token so *Descriptor is safe to pass to slog directly.
func (d *Descriptor) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("baseHost", d.BaseHost),
		slog.String("tenantID", d.TenantID),
		slog.String("deviceID", d.DeviceID),
		slog.String("configurationID", d.ConfigurationID),
		slog.String("token", "REDACTED"),
		slog.Bool("insecureSkipVerify", d.InsecureSkipVerify),
	)
}

// TunnelURL constructs the WebSocket tunnel URL per §4.4 step 6: scheme
// becomes wss (or ws if BaseHost was http), path is
// /service/remoteaccess/client/{deviceId}/configurations/{configurationId}.
func (d *Descriptor) TunnelURL() (string, error) {
	u, err := url.Parse(d.BaseHost)
	if err != nil {
		return "", fmt.Errorf("parse base host: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		u.Scheme = "wss"
	}
	u.Path = fmt.Sprintf("/service/remoteaccess/client/%s/configurations/%s", d.DeviceID, d.ConfigurationID)
	return u.String(), nil
}

// LocalEndpoint is where the Acceptor binds. Port 0 means "kernel-assigned
// ephemeral"; the resolved actual port is observable only after bind.
type LocalEndpoint struct {
	BindAddress string // e.g. "127.0.0.1" or "0.0.0.0"
	Port        int    // 0..65535, 0 = ephemeral
}

// Addr renders "host:port" suitable for net.Listen.
func (l LocalEndpoint) Addr() string {
	return fmt.Sprintf("%s:%d", l.BindAddress, l.Port)
}

// Mode selects the Acceptor's termination policy.
type Mode int

const (
	// ModePersistent accepts unbounded sequential connections until cancelled.
	ModePersistent Mode = iota
	// ModeOneShot accepts exactly one connection, then drains and stops.
	ModeOneShot
)

func (m Mode) String() string {
	switch m {
	case ModeOneShot:
		return "one-shot"
	default:
		return "persistent"
	}
}

// NormalizeHost implements §4.4 step 1: trim whitespace and trailing
// slashes, and prepend https:// if no scheme is present.
func NormalizeHost(input string) string {
	h := strings.TrimSpace(input)
	h = strings.TrimRight(h, "/")
	if !strings.Contains(h, "://") {
		h = "https://" + h
	}
	return h
}
