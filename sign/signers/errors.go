package signers

import "errors"

// ErrorKind classifies a signing failure.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	MalformedDocument
	InvalidRange
	InvalidKey
	InvalidPassword
	CorruptContainer
	RemoteSigningFailure
	TimestampUnavailable
	PlaceholderOverflow
	EncodingFailure
)

var kindNames = map[ErrorKind]string{
	KindUnknown:          "Unknown",
	MalformedDocument:    "MalformedDocument",
	InvalidRange:         "InvalidRange",
	InvalidKey:           "InvalidKey",
	InvalidPassword:      "InvalidPassword",
	CorruptContainer:     "CorruptContainer",
	RemoteSigningFailure: "RemoteSigningFailure",
	TimestampUnavailable: "TimestampUnavailable",
	PlaceholderOverflow:  "PlaceholderOverflow",
	EncodingFailure:      "EncodingFailure",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// Sentinels matching every SigningError of the same kind through errors.Is.
var (
	ErrMalformedDocument    = errors.New("malformed document")
	ErrInvalidRange         = errors.New("invalid byte range")
	ErrInvalidKey           = errors.New("invalid key")
	ErrInvalidPassword      = errors.New("invalid password")
	ErrCorruptContainer     = errors.New("corrupt container")
	ErrRemoteSigningFailure = errors.New("remote signing failure")
	ErrTimestampUnavailable = errors.New("timestamp unavailable")
	ErrPlaceholderOverflow  = errors.New("placeholder overflow")
	ErrEncodingFailure      = errors.New("encoding failure")
)

var kindSentinels = map[ErrorKind]error{
	MalformedDocument:    ErrMalformedDocument,
	InvalidRange:         ErrInvalidRange,
	InvalidKey:           ErrInvalidKey,
	InvalidPassword:      ErrInvalidPassword,
	CorruptContainer:     ErrCorruptContainer,
	RemoteSigningFailure: ErrRemoteSigningFailure,
	TimestampUnavailable: ErrTimestampUnavailable,
	PlaceholderOverflow:  ErrPlaceholderOverflow,
	EncodingFailure:      ErrEncodingFailure,
}

// SigningError represents an error during the signing process.
type SigningError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *SigningError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *SigningError) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel of the error's kind.
func (e *SigningError) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && sentinel == target
}

// NewSigningError creates a new SigningError.
func NewSigningError(kind ErrorKind, message string, cause error) *SigningError {
	return &SigningError{
		Kind:    kind,
		Message: message,
		Cause:   cause,
	}
}

// wrapError keeps an existing SigningError and classifies anything else
// as kind.
func wrapError(kind ErrorKind, message string, err error) error {
	var se *SigningError
	if errors.As(err, &se) {
		return err
	}
	return NewSigningError(kind, message, err)
}

// KindOf returns the kind of the first SigningError in err's chain.
func KindOf(err error) ErrorKind {
	var se *SigningError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}
