package errcode

import "errors"

// Code is a stable, caller-facing error identifier.
// It is a comparable string newtype that implements error.
type Code string

func (c Code) Error() string { return string(c) }

const (
	OK Code = "ok"

	// frame errors: malformed wire data, recoverable by discarding and resyncing
	BadMarker        Code = "bad_marker"
	ChecksumMismatch Code = "checksum_mismatch"
	ShortFrame       Code = "short_frame"

	// transport errors: the bus stays usable
	Timeout      Code = "timeout"
	InvalidReply Code = "invalid_reply"
	BusClosed    Code = "bus_closed"

	// dispatch errors: mapped by the API layer to user-facing responses
	UnknownEntity     Code = "unknown_entity"
	UnsupportedAction Code = "unsupported_action"
	InvalidParams     Code = "invalid_params"
	DeviceUnreachable Code = "device_unreachable"
	ProgramInProgress Code = "program_in_progress"
	Unsupported       Code = "unsupported"

	Error Code = "error" // generic fallback
)

// E keeps context and a cause next to a Code.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Is lets errors.Is(err, SomeCode) match a wrapped *E.
func (e *E) Is(target error) bool {
	c, ok := target.(Code)
	return ok && c == e.C
}

// New builds an *E for op with a formatted message.
func New(c Code, op, msg string) *E {
	return &E{C: c, Op: op, Msg: msg}
}

// Wrap builds an *E for op carrying cause.
func Wrap(c Code, op string, cause error) *E {
	return &E{C: c, Op: op, Err: cause}
}

// Of extracts a Code from an error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	type coder interface{ Code() Code }
	var x coder
	if errors.As(err, &x) {
		return x.Code()
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return Error
}
