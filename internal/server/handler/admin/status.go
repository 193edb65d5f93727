package admin

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	server "github.com/charadev96/invitecore/internal/server/domain"
)

// Status converts a service error into a gRPC status. Errors outside the
// invitation error kinds are reported as Internal without their message.
func Status(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := Code(err)
	if code == codes.Internal {
		return &internalError{cause: err}
	}
	return status.Error(code, err.Error())
}

// internalError reaches clients as a bare Internal status while the cause
// stays available to server-side interceptors and local callers.
type internalError struct {
	cause error
}

func (e *internalError) Error() string {
	return e.cause.Error()
}

func (e *internalError) Unwrap() error {
	return e.cause
}

func (e *internalError) GRPCStatus() *status.Status {
	return status.New(codes.Internal, "internal error")
}

func Code(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, server.ErrInvalidInvitation):
		return codes.InvalidArgument
	case errors.Is(err, server.ErrDuplicateCode):
		return codes.AlreadyExists
	case errors.Is(err, server.ErrInvitationNotFound):
		return codes.NotFound
	case errors.Is(err, server.ErrInvitationExpired),
		errors.Is(err, server.ErrInvitationRevoked):
		return codes.FailedPrecondition
	case errors.Is(err, server.ErrInvitationLimitReached):
		return codes.ResourceExhausted
	case errors.Is(err, server.ErrConflict):
		return codes.Aborted
	}
	return codes.Internal
}
