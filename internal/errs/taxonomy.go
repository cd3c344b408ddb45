package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an Error for propagation and transport mapping.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindPrecondition
	KindAuthorization
	KindConflict
	KindRateLimit
	KindInfrastructure
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPrecondition:
		return "precondition"
	case KindAuthorization:
		return "authorization"
	case KindConflict:
		return "conflict"
	case KindRateLimit:
		return "rate_limit"
	case KindInfrastructure:
		return "infrastructure"
	default:
		return "unknown"
	}
}

// Error is a user-visible failure with a stable machine-readable name.
type Error struct {
	Kind    Kind
	Name    string
	Message string
	Status  int
}

func (e *Error) Error() string { return e.Name + ": " + e.Message }

// Is matches any *Error carrying the same Name, so wrapped copies with a
// different message still compare equal to the catalogue entry.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Name == e.Name
}

// WithMessage returns a copy of e with a custom message.
func (e *Error) WithMessage(format string, args ...any) *Error {
	c := *e
	c.Message = fmt.Sprintf(format, args...)
	return &c
}

func newErr(kind Kind, status int, name, msg string) *Error {
	return &Error{Kind: kind, Name: name, Message: msg, Status: status}
}

// Validation.
var (
	ErrItemIDMissing         = newErr(KindValidation, http.StatusBadRequest, "ItemIdMissing", "Item id missing.")
	ErrItemIDTooLong         = newErr(KindValidation, http.StatusBadRequest, "ItemIdTooLong", "Item id cannot be more than 100 characters.")
	ErrItemMissing           = newErr(KindValidation, http.StatusBadRequest, "ItemMissing", "Item missing.")
	ErrItemTooLarge          = newErr(KindValidation, http.StatusBadRequest, "ItemTooLarge", "Item must be less than 400KB.")
	ErrOperationsMissing     = newErr(KindValidation, http.StatusBadRequest, "OperationsMissing", "Operations missing.")
	ErrOperationsExceedLimit = newErr(KindValidation, http.StatusBadRequest, "OperationsExceedLimit", "Operations exceed limit. Only allowed 10 operations.")
	ErrOperationsConflict    = newErr(KindValidation, http.StatusBadRequest, "OperationsConflict", "Operations conflict. Only allowed 1 operation per item.")
	ErrCommandNotRecognized  = newErr(KindValidation, http.StatusBadRequest, "CommandNotRecognized", "Command not recognized.")
	ErrPayloadTooLarge       = newErr(KindValidation, http.StatusBadRequest, "PayloadTooLarge", "Payload must be less than 16MB.")
	ErrDatabaseNameMissing   = newErr(KindValidation, http.StatusBadRequest, "DatabaseNameMissing", "Database name missing.")
	ErrDatabaseNameTooLong   = newErr(KindValidation, http.StatusBadRequest, "DatabaseNameTooLong", "Database name cannot be more than 100 characters.")
	ErrDatabaseIDInvalid     = newErr(KindValidation, http.StatusBadRequest, "DatabaseIdInvalid", "Database id invalid.")
	ErrUsernameMissing       = newErr(KindValidation, http.StatusBadRequest, "UsernameMissing", "Username missing.")
	ErrUsernameTooLong       = newErr(KindValidation, http.StatusBadRequest, "UsernameTooLong", "Username cannot be more than 100 characters.")
	ErrPasswordMissing       = newErr(KindValidation, http.StatusBadRequest, "PasswordMissing", "Password missing.")
	ErrFileMissing           = newErr(KindValidation, http.StatusBadRequest, "FileMissing", "File missing.")
	ErrFileNameMissing       = newErr(KindValidation, http.StatusBadRequest, "FileNameMissing", "File name missing.")
	ErrFileIDInvalid         = newErr(KindValidation, http.StatusBadRequest, "FileIdInvalid", "File id invalid.")
	ErrRangeInvalid          = newErr(KindValidation, http.StatusBadRequest, "RangeInvalid", "Byte range invalid.")
	ErrSinceInvalid          = newErr(KindValidation, http.StatusBadRequest, "SinceInvalid", "Sequence number cannot be negative.")
	ErrNextPageTokenInvalid  = newErr(KindValidation, http.StatusBadRequest, "NextPageTokenInvalid", "Next page token invalid.")
	ErrRevokeConflict        = newErr(KindValidation, http.StatusBadRequest, "ParamsConflict", "Cannot revoke and modify permissions in the same call.")
	ErrParamsMissing         = newErr(KindValidation, http.StatusBadRequest, "ParamsMissing", "Nothing to modify.")
	ErrSharingWithSelf       = newErr(KindValidation, http.StatusBadRequest, "SharingWithSelfNotAllowed", "Sharing database with self not allowed. Must share with another user.")
	ErrWrappedKeyMissing     = newErr(KindValidation, http.StatusBadRequest, "WrappedKeyMissing", "Wrapped key missing.")
)

// Precondition.
var (
	ErrItemAlreadyExists  = newErr(KindPrecondition, http.StatusConflict, "ItemAlreadyExists", "Item with the same id already exists.")
	ErrItemDoesNotExist   = newErr(KindPrecondition, http.StatusNotFound, "ItemDoesNotExist", "Item with the provided id does not exist.")
	ErrDatabaseNotFound   = newErr(KindPrecondition, http.StatusNotFound, "DatabaseNotFound", "Database not found.")
	ErrShareTokenNotFound = newErr(KindPrecondition, http.StatusNotFound, "ShareTokenNotFound", "Share token not found. Perhaps the database owner has generated a new share token.")
	ErrUserNotFound       = newErr(KindPrecondition, http.StatusNotFound, "UserNotFound", "User not found.")
	ErrUserNotVerified    = newErr(KindPrecondition, http.StatusForbidden, "UserNotVerified", "User not verified. Either verify the user before sharing, or set requireVerified to false.")
	ErrFileNotFound       = newErr(KindPrecondition, http.StatusNotFound, "FileNotFound", "File not found.")
	ErrUsernameTaken      = newErr(KindPrecondition, http.StatusConflict, "UsernameAlreadyExists", "Username already exists.")
	ErrWrappedKeyIsSet    = newErr(KindPrecondition, http.StatusConflict, "WrappedKeyAlreadySet", "Wrapped key already set.")
	ErrDatabaseExists     = newErr(KindPrecondition, http.StatusConflict, "DatabaseAlreadyExists", "Database already exists.")
)

// Authorization.
var (
	ErrUnauthenticated                = newErr(KindAuthorization, http.StatusUnauthorized, "Unauthenticated", "Authentication required.")
	ErrBadCredentials                 = newErr(KindAuthorization, http.StatusUnauthorized, "UsernameOrPasswordMismatch", "Username or password mismatch.")
	ErrDatabaseIsReadOnly             = newErr(KindAuthorization, http.StatusForbidden, "DatabaseIsReadOnly", "Database is read only. Must have permission to write to database.")
	ErrResharingNotAllowed            = newErr(KindAuthorization, http.StatusForbidden, "ResharingNotAllowed", "Resharing not allowed. Must have permission to reshare the database with another user.")
	ErrResharingWithWriteNotAllowed   = newErr(KindAuthorization, http.StatusForbidden, "ResharingWithWriteAccessNotAllowed", "Resharing with write access not allowed. Must have permission to write to the database to reshare the database with write access another user.")
	ErrModifyingOwnPermissions        = newErr(KindAuthorization, http.StatusForbidden, "ModifyingOwnPermissionsNotAllowed", "Modifying own database permissions not allowed.")
	ErrModifyingOwnerPermissions      = newErr(KindAuthorization, http.StatusForbidden, "ModifyingOwnerPermissionsNotAllowed", "Modifying the database owner's permissions not allowed.")
	ErrModifyingPermissionsNotAllowed = newErr(KindAuthorization, http.StatusForbidden, "ModifyingPermissionsNotAllowed", "Modifying another user's permissions not allowed. Must have permission to reshare the database with another user.")
	ErrGrantingWriteNotAllowed        = newErr(KindAuthorization, http.StatusForbidden, "GrantingWriteAccessNotAllowed", "Granting write access not allowed. Must have permission to write to the database to grant write access to another user.")
)

// Conflict.
var (
	ErrItemUpdateConflict   = newErr(KindConflict, http.StatusConflict, "ItemUpdateConflict", "Item update conflict.")
	ErrFileUploadConflict   = newErr(KindConflict, http.StatusConflict, "FileUploadConflict", "File upload conflict.")
	ErrOwnerVersionMismatch = newErr(KindConflict, http.StatusConflict, "OwnerVersionMismatch", "Database changed while allocating sequence numbers. Please retry.")
)

// Rate limit.
var (
	ErrTooManyRequests = newErr(KindRateLimit, http.StatusTooManyRequests, "TooManyRequests", "Too many requests in a row. Please try again in 1 second.")
)

// Infrastructure.
var (
	ErrInternal = newErr(KindInfrastructure, http.StatusInternalServerError, "InternalServerError", "Internal server error.")
)

// Infra wraps an unexpected error as an infrastructure failure. The cause is
// kept for logging and never shown to clients.
func Infra(cause error) error {
	if cause == nil {
		return nil
	}
	var e *Error
	if errors.As(cause, &e) {
		return cause
	}
	return &infraError{cause: cause}
}

type infraError struct{ cause error }

func (e *infraError) Error() string { return "infrastructure: " + e.cause.Error() }
func (e *infraError) Unwrap() error { return e.cause }
func (e *infraError) Is(target error) bool {
	return target == ErrInternal
}

// As extracts the user-facing Error from err. Anything that is not part of the
// taxonomy is reported as ErrInternal.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return ErrInternal
}
