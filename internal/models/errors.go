package models

import "errors"

var (
	ErrNotFound = errors.New("not found")

	// ErrIdentityUnverified rejects a connection registration. The client
	// must re-authenticate before retrying.
	ErrIdentityUnverified = errors.New("identity unverified")
	// ErrRoomAccessDenied rejects a join by a non-participant.
	ErrRoomAccessDenied = errors.New("room access denied")
	// ErrPersistence means a message could not be durably written and was
	// not published.
	ErrPersistence = errors.New("persistence failure")
	// ErrValidation rejects a message before it reaches persistence.
	ErrValidation = errors.New("validation failure")
	// ErrPermissionDenied rejects group-admin-only mutations by other members.
	ErrPermissionDenied = errors.New("permission denied")

	ErrNotIdentified  = errors.New("connection not identified")
	ErrSlowConsumer   = errors.New("outbound queue full")
	ErrMalformedEvent = errors.New("malformed event")
)

const (
	CodeIdentityUnverified = "identity_unverified"
	CodeRoomAccessDenied   = "room_access_denied"
	CodePersistence        = "persistence_failure"
	CodeValidation         = "validation_failure"
	CodePermissionDenied   = "permission_denied"
	CodeNotFound           = "not_found"
	CodeNotIdentified      = "not_identified"
	CodeMalformed          = "malformed_event"
	CodeInternal           = "internal"
)

// ErrorCode maps an error to the code carried by error events.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrIdentityUnverified):
		return CodeIdentityUnverified
	case errors.Is(err, ErrRoomAccessDenied):
		return CodeRoomAccessDenied
	case errors.Is(err, ErrPersistence):
		return CodePersistence
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrNotIdentified):
		return CodeNotIdentified
	case errors.Is(err, ErrMalformedEvent):
		return CodeMalformed
	default:
		return CodeInternal
	}
}
