package types

import (
	"errors"
	"fmt"
)

// ResponseStatusCode is the oneM2M numeric response status code
// (m2m:responseStatusCode) carried in the "rsc" field of every response.
type ResponseStatusCode int

const (
	RSCAccepted ResponseStatusCode = 1000

	RSCOK      ResponseStatusCode = 2000
	RSCCreated ResponseStatusCode = 2001
	RSCDeleted ResponseStatusCode = 2002
	RSCUpdated ResponseStatusCode = 2004

	RSCBadRequest               ResponseStatusCode = 4000
	RSCReleaseVersionNotSupported ResponseStatusCode = 4001
	RSCNotFound                 ResponseStatusCode = 4004
	RSCOperationNotAllowed      ResponseStatusCode = 4005
	RSCRequestTimeout           ResponseStatusCode = 4008
	RSCContentsUnacceptable     ResponseStatusCode = 4102
	RSCOriginatorHasNoPrivilege ResponseStatusCode = 4103
	RSCConflict                 ResponseStatusCode = 4105
	RSCInvalidChildResourceType ResponseStatusCode = 4108
	RSCGroupMemberTypeInconsistent ResponseStatusCode = 4110
	RSCOperationDeniedByRemoteEntity ResponseStatusCode = 4127

	RSCInternalServerError ResponseStatusCode = 5000
	RSCNotImplemented      ResponseStatusCode = 5001
	RSCTargetNotReachable  ResponseStatusCode = 5103
	RSCAlreadyExists       ResponseStatusCode = 5106
	RSCRemoteEntityNotReachable ResponseStatusCode = 5107
	RSCSubscriptionVerificationInitiationFailed ResponseStatusCode = 5204
	RSCNotAcceptable       ResponseStatusCode = 5207
	RSCUnableToRecallRequest ResponseStatusCode = 5220
	RSCCrossResourceOperationFailure ResponseStatusCode = 5221
)

// IsSuccess reports whether the code signals a successful operation.
func (c ResponseStatusCode) IsSuccess() bool {
	return c >= 2000 && c < 3000
}

// Error is a typed CSE failure carrying its oneM2M response status code.
// Errors compare with errors.Is against the exported sentinels below, so a
// wrapped dispatcher failure still matches its taxonomy entry.
type Error struct {
	RSC     ResponseStatusCode
	Message string

	// kind separates taxonomy entries that share a wire code, such as
	// DATABASE_INCONSISTENCY behind INTERNAL_SERVER_ERROR.
	kind    string
	wrapped error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("rsc %d", e.RSC)
	}
	return fmt.Sprintf("rsc %d: %s", e.RSC, e.Message)
}

// Unwrap exposes a wrapped cause for errors.Is/errors.As chains.
func (e *Error) Unwrap() error { return e.wrapped }

// Is matches any *Error with the same response status code. Sentinels are
// bare *Error values, so errors.Is(err, ErrNotFound) holds for every
// NOT_FOUND produced anywhere in the CSE. A sentinel with a kind only
// matches errors of that kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	if t.kind != "" && t.kind != e.kind {
		return false
	}
	return e.RSC == t.RSC
}

// Sentinel errors, one per taxonomy entry. Use Errorf to attach a message.
var (
	ErrNotFound                 = &Error{RSC: RSCNotFound, Message: "resource not found"}
	ErrAlreadyExists            = &Error{RSC: RSCAlreadyExists, Message: "resource already exists"}
	ErrOriginatorHasNoPrivilege = &Error{RSC: RSCOriginatorHasNoPrivilege, Message: "originator has no privilege"}
	ErrSubscriptionVerificationFailed = &Error{
		RSC:     RSCSubscriptionVerificationInitiationFailed,
		Message: "subscription verification initiation failed",
	}
	ErrBadRequest               = &Error{RSC: RSCBadRequest, Message: "bad request"}
	ErrContentsUnacceptable     = &Error{RSC: RSCContentsUnacceptable, Message: "contents unacceptable"}
	ErrInvalidChildResourceType = &Error{RSC: RSCInvalidChildResourceType, Message: "invalid child resource type"}
	ErrOperationNotAllowed      = &Error{RSC: RSCOperationNotAllowed, Message: "operation not allowed"}
	ErrUnableToRecallRequest    = &Error{RSC: RSCUnableToRecallRequest, Message: "unable to recall request"}
	ErrConflict                 = &Error{RSC: RSCConflict, Message: "conflict"}
	ErrNotAcceptable            = &Error{RSC: RSCNotAcceptable, Message: "not acceptable"}
	ErrTargetNotReachable       = &Error{RSC: RSCTargetNotReachable, Message: "target not reachable"}
	ErrRemoteEntityNotReachable = &Error{RSC: RSCRemoteEntityNotReachable, Message: "remote entity not reachable"}
	ErrOperationDeniedByRemoteEntity = &Error{
		RSC:     RSCOperationDeniedByRemoteEntity,
		Message: "operation denied by remote entity",
	}
	ErrInternalServerError = &Error{RSC: RSCInternalServerError, Message: "internal server error"}

	// ErrDatabaseInconsistency flags a broken pairing between the resource
	// and identifier tables. It shares the INTERNAL_SERVER_ERROR wire code
	// but stays distinguishable in-process.
	ErrDatabaseInconsistency = &Error{
		RSC:     RSCInternalServerError,
		Message: "database inconsistency",
		kind:    "dbInconsistency",
	}
)

// DatabaseInconsistencyf builds a DATABASE_INCONSISTENCY error. It matches
// both ErrDatabaseInconsistency and ErrInternalServerError.
func DatabaseInconsistencyf(format string, args ...any) *Error {
	return &Error{
		RSC:     RSCInternalServerError,
		Message: fmt.Sprintf(format, args...),
		kind:    "dbInconsistency",
	}
}

// Errorf builds an *Error with the given code and formatted message.
func Errorf(rsc ResponseStatusCode, format string, args ...any) *Error {
	return &Error{RSC: rsc, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a cause to a taxonomy code. The result matches both
// the sentinel for rsc and the wrapped error under errors.Is.
func WrapError(rsc ResponseStatusCode, msg string, cause error) *Error {
	return &Error{RSC: rsc, Message: msg, wrapped: cause}
}

// RSCOf extracts the response status code from err, defaulting to
// INTERNAL_SERVER_ERROR for untyped failures.
func RSCOf(err error) ResponseStatusCode {
	var e *Error
	if errors.As(err, &e) {
		return e.RSC
	}
	return RSCInternalServerError
}
