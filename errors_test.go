package mqttsim

import (
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"testing"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyError(t *testing.T) {
	dial := func(err error) error {
		return &net.OpError{Op: "dial", Net: "tcp", Err: &os.SyscallError{Syscall: "connect", Err: err}}
	}

	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ErrUnknown},
		{"refused", dial(syscall.ECONNREFUSED), ErrRefused},
		{"unreachable", dial(syscall.EHOSTUNREACH), ErrHostUnreachable},
		{"too many files", dial(syscall.EMFILE), ErrResourceExhausted},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), ErrRemoteClosed},
		{"eof", io.EOF, ErrRemoteClosed},
		{"dns", &net.OpError{Op: "dial", Err: &net.DNSError{Err: "no such host", Name: "nope", IsNotFound: true}}, ErrHostNotFound},
		{"tls", fmt.Errorf("handshake: %w", x509.UnknownAuthorityError{}), ErrTLS},
		{"timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, ErrTimeout},
		{"bad credentials", packets.ErrorRefusedBadUsernameOrPassword, ErrAuth},
		{"not authorised", packets.ErrorRefusedNotAuthorised, ErrAuth},
		{"already classified", fmt.Errorf("wrap: %w", &ConnectionError{Kind: ErrTLS}), ErrTLS},
		{"other", errors.New("something"), ErrUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyError(tc.err))
		})
	}
}

func TestConnectionErrorUnwrap(t *testing.T) {
	inner := io.EOF
	ce := newConnectionError(inner)
	assert.Equal(t, ErrRemoteClosed, ce.Kind)
	assert.ErrorIs(t, ce, io.EOF)
	assert.Contains(t, ce.Error(), "remote host closed")

	// Already typed errors pass through unchanged.
	assert.Same(t, ce, newConnectionError(fmt.Errorf("again: %w", ce)))
}

func TestConfigErrorMessage(t *testing.T) {
	err := &ConfigError{Field: "qos", Reason: "must be 0, 1 or 2"}
	assert.Equal(t, "invalid qos: must be 0, 1 or 2", err.Error())

	var target *ConfigError
	assert.True(t, errors.As(fmt.Errorf("load: %w", err), &target))
}
