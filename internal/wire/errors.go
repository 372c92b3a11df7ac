package wire

import (
	"errors"

	"github.com/a-essam23/go-relay/internal/auth"
	"github.com/a-essam23/go-relay/internal/permission"
	"github.com/a-essam23/go-relay/internal/session"
	"github.com/a-essam23/go-relay/pkg/bus"
)

// ErrorCode is the machine-readable code of an error frame.
type ErrorCode string

const (
	CodeUnauthorized      ErrorCode = "unauthorized"
	CodeForbidden         ErrorCode = "forbidden"
	CodePermissionRevoked ErrorCode = "permission_revoked"
	CodeBackpressure      ErrorCode = "backpressure"
	CodeBusUnavailable    ErrorCode = "bus_unavailable"
	CodeMalformed         ErrorCode = "malformed"
	CodeVersion           ErrorCode = "version"
	CodeUnknownType       ErrorCode = "unknown_type"
	CodeInternal          ErrorCode = "internal"
)

// CodeFor classifies err for the client.
func CodeFor(err error) ErrorCode {
	switch {
	case errors.Is(err, auth.ErrAuthFailure):
		return CodeUnauthorized
	case errors.Is(err, permission.ErrPermissionDenied):
		return CodeForbidden
	case errors.Is(err, session.ErrBackpressureOverflow):
		return CodeBackpressure
	case errors.Is(err, bus.ErrUnavailable), errors.Is(err, bus.ErrConnectionLost):
		return CodeBusUnavailable
	case errors.Is(err, ErrUnsupportedVersion):
		return CodeVersion
	case errors.Is(err, ErrUnknownType):
		return CodeUnknownType
	case errors.Is(err, ErrMalformed):
		return CodeMalformed
	default:
		return CodeInternal
	}
}

// Detail is the client-safe description of err. Internal errors are not
// described.
func Detail(err error) string {
	if CodeFor(err) == CodeInternal {
		return "internal error"
	}
	return err.Error()
}
