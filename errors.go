package mqttsim

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// ErrorKind classifies why a connection attempt or an open connection failed.
type ErrorKind int

const (
	ErrUnknown ErrorKind = iota
	ErrRefused
	ErrHostUnreachable
	ErrHostNotFound
	ErrTLS
	ErrTimeout
	ErrResourceExhausted
	ErrAuth
	ErrRemoteClosed
)

func (k ErrorKind) String() string {
	switch k {
	case ErrRefused:
		return "connection refused"
	case ErrHostUnreachable:
		return "host unreachable"
	case ErrHostNotFound:
		return "remote host not found"
	case ErrTLS:
		return "tls error"
	case ErrTimeout:
		return "timeout"
	case ErrResourceExhausted:
		return "resource error, is the OS limiting you? ulimit, etc?"
	case ErrAuth:
		return "bad user name, password or not authorized"
	case ErrRemoteClosed:
		return "remote host closed"
	default:
		return "unknown error"
	}
}

// ConnectionError is recoverable: the session counts it and reconnects later.
type ConnectionError struct {
	Kind ErrorKind
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func newConnectionError(err error) *ConnectionError {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce
	}
	return &ConnectionError{Kind: ClassifyError(err), Err: err}
}

// ConfigError is fatal and reported before any network activity.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ErrUnknown
	}

	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce.Kind
	}

	switch {
	case errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword),
		errors.Is(err, packets.ErrorRefusedNotAuthorised):
		return ErrAuth
	case errors.Is(err, syscall.ECONNREFUSED):
		return ErrRefused
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return ErrHostUnreachable
	case errors.Is(err, syscall.EMFILE), errors.Is(err, syscall.ENFILE),
		errors.Is(err, syscall.ENOBUFS), errors.Is(err, syscall.EADDRNOTAVAIL):
		return ErrResourceExhausted
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return ErrRemoteClosed
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrHostNotFound
	}

	var recordErr tls.RecordHeaderError
	var verifyErr *tls.CertificateVerificationError
	var unknownAuth x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	if errors.As(err, &recordErr) || errors.As(err, &verifyErr) ||
		errors.As(err, &unknownAuth) || errors.As(err, &hostErr) {
		return ErrTLS
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	return ErrUnknown
}
