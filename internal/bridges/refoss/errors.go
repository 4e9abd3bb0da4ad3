package refoss

import "errors"

// Domain errors for the Refoss bridge package.
var (
	// ErrTelemetryUnavailable is returned when a telemetry exchange with a
	// meter fails for any reason: transport error, timeout, non-2xx status
	// or an unparseable reply.
	ErrTelemetryUnavailable = errors.New("refoss: telemetry unavailable")

	// ErrInvalidAnnouncement is returned when a discovery datagram is not
	// a well-formed announcement.
	ErrInvalidAnnouncement = errors.New("refoss: invalid announcement")

	// ErrUnsupportedModel is returned when a meter reports a model with no
	// registered descriptor.
	ErrUnsupportedModel = errors.New("refoss: unsupported model")

	// ErrAlreadyRegistered is returned when a meter UUID already has a session.
	ErrAlreadyRegistered = errors.New("refoss: device already registered")
)
