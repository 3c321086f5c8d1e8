package main

import "github.com/pkg/errors"

// ErrorKind enumerates the error categories from §7. HTTP responses and
// log records surface the kind alongside a human-readable detail string.
type ErrorKind string

const (
	KindConfigInvalid      ErrorKind = "ConfigInvalid"
	KindNetworkUnavailable ErrorKind = "NetworkUnavailable"
	KindProtocolViolation  ErrorKind = "ProtocolViolation"
	KindAuthFailed         ErrorKind = "AuthFailed"
	KindAlreadyActive      ErrorKind = "AlreadyActive"
	KindResumeTimeout      ErrorKind = "ResumeTimeout"
	KindShortRead          ErrorKind = "ShortRead"
	KindDisallowedMimeType ErrorKind = "DisallowedMimeType"
	KindFileSizeExceeded   ErrorKind = "FileSizeExceeded"
	KindChecksumMismatch   ErrorKind = "ChecksumMismatch"
	KindCancelled          ErrorKind = "Cancelled"
	KindInternal           ErrorKind = "Internal"
)

// Sentinel errors, one per ErrorKind, meant to be wrapped with
// github.com/pkg/errors so each carries both a stable kind (via errors.Is)
// and a stack-annotated cause chain (via a "%+v" format verb in logs).
var (
	ErrNetworkUnavailable = errors.New(string(KindNetworkUnavailable))
	ErrProtocolViolation  = errors.New(string(KindProtocolViolation))
	ErrAuthFailed         = errors.New(string(KindAuthFailed))
	ErrAlreadyActive      = errors.New(string(KindAlreadyActive))
	ErrResumeTimeout      = errors.New(string(KindResumeTimeout))
	ErrShortRead          = errors.New(string(KindShortRead))
	ErrDisallowedMime     = errors.New(string(KindDisallowedMimeType))
	ErrFileSizeExceeded   = errors.New(string(KindFileSizeExceeded))
	ErrChecksumMismatch   = errors.New(string(KindChecksumMismatch))
	ErrCancelled          = errors.New(string(KindCancelled))
	ErrInternal           = errors.New(string(KindInternal))

	// ErrConfigInvalid mirrors config.ErrConfigInvalid's kind for run-time
	// (post-startup) configuration lookups performed by the Supervisor.
	ErrConfigInvalid = errors.New(string(KindConfigInvalid))

	// ErrUnknownServer is returned when a control-plane request names a host
	// with neither a specific nor a default_server_config entry.
	ErrUnknownServer = errors.Wrap(ErrConfigInvalid, "no server config for host")
)

// kindOf maps a (possibly wrapped) error to its ErrorKind, for use in the
// control plane's {error, detail} JSON body.
func kindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrNetworkUnavailable):
		return KindNetworkUnavailable
	case errors.Is(err, ErrProtocolViolation):
		return KindProtocolViolation
	case errors.Is(err, ErrAuthFailed):
		return KindAuthFailed
	case errors.Is(err, ErrAlreadyActive):
		return KindAlreadyActive
	case errors.Is(err, ErrResumeTimeout):
		return KindResumeTimeout
	case errors.Is(err, ErrShortRead):
		return KindShortRead
	case errors.Is(err, ErrDisallowedMime):
		return KindDisallowedMimeType
	case errors.Is(err, ErrFileSizeExceeded):
		return KindFileSizeExceeded
	case errors.Is(err, ErrChecksumMismatch):
		return KindChecksumMismatch
	case errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.Is(err, ErrConfigInvalid):
		return KindConfigInvalid
	default:
		return KindInternal
	}
}
