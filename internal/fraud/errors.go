package fraud

import "errors"

// Kind classifies an error for the propagation policy: detectors never
// throw past a Kind-wrapped soft failure, only Fatal escapes to halt
// the orchestrator.
type Kind string

const (
	TransientIO     Kind = "TRANSIENT_IO"
	CircuitOpen     Kind = "CIRCUIT_OPEN"
	RateLimited     Kind = "RATE_LIMITED"
	InvalidEvent    Kind = "INVALID_EVENT"
	AgentMalformed  Kind = "AGENT_MALFORMED"
	DuplicateEvent  Kind = "DUPLICATE_EVENT"
	Fatal           Kind = "FATAL"
)

// Error wraps an underlying cause with a Kind so callers can branch on
// propagation policy without string matching.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

// Wrap creates a Kind-tagged Error.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to TransientIO when err
// is not one of ours — retry handlers treat unknown errors as transient
// by default and rely on attempt caps to bound damage.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return TransientIO
}

// Retriable reports whether the retry handler should retry an error of
// this kind.
func (k Kind) Retriable() bool {
	return k == TransientIO
}

var (
	ErrMemoryStoreUnreachable   = errors.New("memory store unreachable")
	ErrKnowledgeBaseUnreachable = errors.New("vector knowledge base unreachable")
	ErrFeatureVectorMismatch    = errors.New("ml feature vector does not match configured dimension")
	ErrWriteBufferFull          = errors.New("memory store write buffer full, oldest write dropped")
)
