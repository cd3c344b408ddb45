package grpcserver

import (
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/and161185/cipherlog/internal/errs"
)

// codeOf maps an error to a gRPC code. The HTTP-style status decides, the kind
// breaks ties between 403 and 409 entries.
func codeOf(e *errs.Error) codes.Code {
	switch e.Status {
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		if e.Kind == errs.KindPrecondition {
			return codes.FailedPrecondition
		}
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusConflict:
		if e.Kind == errs.KindConflict {
			return codes.Aborted
		}
		return codes.AlreadyExists
	case http.StatusTooManyRequests:
		return codes.ResourceExhausted
	default:
		return codes.Internal
	}
}

// toStatus converts err into a status whose message is "Name: message".
// Infrastructure causes never reach the client.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	e := errs.As(err)
	return status.Error(codeOf(e), e.Error())
}
