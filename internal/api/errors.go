package api

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/miradorstack/mirador-risk/internal/utils"
)

// HTTPStatus maps an error's kind to a response status.
func HTTPStatus(err error) int {
	switch utils.KindOf(err) {
	case utils.KindValidation:
		return http.StatusBadRequest
	case utils.KindRetryable:
		return http.StatusServiceUnavailable
	case utils.KindTerminal:
		return http.StatusBadGateway
	case utils.KindPersistence:
		return http.StatusInternalServerError
	case utils.KindAuthorization:
		return http.StatusForbidden
	case utils.KindNotFound:
		return http.StatusNotFound
	case utils.KindConflict:
		return http.StatusConflict
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// GRPCCode maps an error's kind to a gRPC status code.
func GRPCCode(err error) codes.Code {
	switch utils.KindOf(err) {
	case utils.KindValidation:
		return codes.InvalidArgument
	case utils.KindRetryable:
		return codes.Unavailable
	case utils.KindTerminal:
		return codes.FailedPrecondition
	case utils.KindPersistence:
		return codes.Internal
	case utils.KindAuthorization:
		return codes.PermissionDenied
	case utils.KindNotFound:
		return codes.NotFound
	case utils.KindConflict:
		return codes.Aborted
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	}
	return codes.Internal
}

// grpcError converts err into a status error. Internal failures do not leak their cause.
func grpcError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := GRPCCode(err)
	if code == codes.Internal {
		return status.Error(code, "internal error")
	}
	return status.Error(code, err.Error())
}

// publicMessage is the error text safe to return to HTTP callers.
func publicMessage(err error, code int) string {
	if code == http.StatusInternalServerError {
		return "internal error"
	}
	var app *utils.AppError
	if errors.As(err, &app) && app.Msg != "" {
		return app.Msg
	}
	return err.Error()
}
