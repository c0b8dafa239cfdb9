package server

import (
	"Bastion/internal/core"
	"Bastion/internal/query"
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var ErrInvalidArgument = errors.New("invalid argument")

// codeOf maps an error to a gRPC code by its kind.
func codeOf(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, ErrUnauthenticated):
		return codes.Unauthenticated
	case errors.Is(err, ErrForbidden):
		return codes.PermissionDenied
	case errors.Is(err, ErrInvalidArgument):
		return codes.InvalidArgument
	case errors.Is(err, query.ErrNotFound), errors.Is(err, core.ErrAssetNotConfigured):
		return codes.NotFound
	case errors.Is(err, core.ErrDuplicateCommand):
		return codes.AlreadyExists
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	}

	switch core.KindOf(err) {
	case core.KindConfiguration:
		return codes.InvalidArgument
	case core.KindAuthorization:
		return codes.PermissionDenied
	case core.KindOracle, core.KindEconomic, core.KindOperational:
		return codes.FailedPrecondition
	case core.KindConcurrency:
		return codes.Aborted
	default:
		return codes.Internal
	}
}

// toStatus converts err into a gRPC status error. Status errors pass through.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeOf(err), err.Error())
}
