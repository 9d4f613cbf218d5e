// Package c8yerr defines the typed error kinds shared across the local
// proxy's core: Resolver, WSClient, Bridge, Acceptor, and Supervisor.
//
// Every kind is carried by the single *Error type: callers use errors.As to
// recover it and read its Kind, or errors.Is with Sentinel(kind), to map it
// to an exit code or a log field, while errors.Unwrap still reaches the
// underlying cause.
package c8yerr

import "fmt"

// Kind identifies one of the error categories from the design.
type Kind string

const (
	KindAuth                Kind = "auth"
	KindDeviceNotFound      Kind = "device_not_found"
	KindConfigurationNotFound Kind = "configuration_not_found"
	KindTenantNotFound      Kind = "tenant_not_found"
	KindTunnelUnavailable   Kind = "tunnel_unavailable"
	KindPortInUse           Kind = "port_in_use"
	KindPermissionDenied    Kind = "permission_denied"
	KindProtocol            Kind = "protocol"
	KindTransport           Kind = "transport"
	KindIdleTimeout         Kind = "idle_timeout"
	KindCancelled           Kind = "cancelled"
	KindInternal            Kind = "internal"
)

// Error wraps a Kind with the operation that produced it and the
// underlying cause, if any.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, c8yerr.Sentinel(c8yerr.KindAuth)) style
// comparisons: the value returned by Sentinel stands for "an *Error with
// this Kind".
func (e *Error) Is(target error) bool {
	k, ok := target.(kindSentinel)
	return ok && e.Kind == Kind(k)
}

type kindSentinel Kind

// Sentinel returns a comparable sentinel error for a Kind, usable with
// errors.Is(err, c8yerr.Sentinel(c8yerr.KindAuth)).
func Sentinel(k Kind) error { return kindSentinel(k) }

func (k kindSentinel) Error() string { return string(k) }

// New builds an *Error for the given kind and operation, wrapping cause.
func New(k Kind, op string, cause error) *Error {
	return &Error{Kind: k, Op: op, Err: cause}
}

// Auth, DeviceNotFound, ... are convenience constructors used throughout
// the Resolver and WSClient.
func Auth(op string, cause error) *Error              { return New(KindAuth, op, cause) }
func DeviceNotFound(op string, cause error) *Error    { return New(KindDeviceNotFound, op, cause) }
func ConfigNotFound(op string, cause error) *Error    { return New(KindConfigurationNotFound, op, cause) }
func TenantNotFound(op string, cause error) *Error    { return New(KindTenantNotFound, op, cause) }
func TunnelUnavailable(op string, cause error) *Error { return New(KindTunnelUnavailable, op, cause) }
func PortInUse(op string, cause error) *Error         { return New(KindPortInUse, op, cause) }
func PermissionDenied(op string, cause error) *Error  { return New(KindPermissionDenied, op, cause) }
func Protocol(op string, cause error) *Error          { return New(KindProtocol, op, cause) }
func Transport(op string, cause error) *Error         { return New(KindTransport, op, cause) }
func IdleTimeout(op string) *Error                    { return New(KindIdleTimeout, op, nil) }
func Cancelled(op string) *Error                      { return New(KindCancelled, op, nil) }
