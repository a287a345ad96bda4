package executor

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"syscall"

	"pingrobot/internal/models"
)

var connectionErrnos = []syscall.Errno{
	syscall.ECONNREFUSED,
	syscall.ECONNRESET,
	syscall.ECONNABORTED,
	syscall.EHOSTUNREACH,
	syscall.ENETUNREACH,
	syscall.EPIPE,
}

// Classify maps a transport error to an ErrorType. Structured errors in the
// chain are checked first; message matching is only a fallback.
func Classify(err error) models.ErrorType {
	if err == nil {
		return models.ErrorNone
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return models.ErrorTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.ErrorTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return models.ErrorTimeout
		}
		return models.ErrorDNS
	}

	for _, errno := range connectionErrnos {
		if errors.Is(err, errno) {
			return models.ErrorConnection
		}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return models.ErrorConnection
	}
	if isTLSError(err) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return models.ErrorConnection
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such host"), strings.Contains(msg, "name resolution"):
		return models.ErrorDNS
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "connection reset"):
		return models.ErrorConnection
	case strings.Contains(msg, "timeout"):
		return models.ErrorTimeout
	}
	return models.ErrorUnknown
}

func isTLSError(err error) bool {
	var recordErr tls.RecordHeaderError
	var alertErr tls.AlertError
	var certErr *tls.CertificateVerificationError
	var unknownAuth x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	return errors.As(err, &recordErr) ||
		errors.As(err, &alertErr) ||
		errors.As(err, &certErr) ||
		errors.As(err, &unknownAuth) ||
		errors.As(err, &hostErr)
}
