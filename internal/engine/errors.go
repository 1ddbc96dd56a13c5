package engine

import (
	"errors"
	"fmt"

	"approvalflow/internal/repo"
)

// Error kinds returned by engine operations. Wrapped errors carry details;
// classify with errors.Is or Kind.
var (
	ErrNotFound   = errors.New("not found")
	ErrForbidden  = errors.New("forbidden")
	ErrBadRequest = errors.New("bad request")
	ErrServer     = errors.New("server error")

	ErrStepWithdrawn = fmt.Errorf("%w: step has been withdrawn", ErrForbidden)
	ErrStepProcessed = fmt.Errorf("%w: step already processed", ErrForbidden)
)

const (
	KindNotFound   = "NOT_FOUND"
	KindForbidden  = "FORBIDDEN"
	KindBadRequest = "BAD_REQUEST"
	KindServer     = "SERVER"
)

// Kind names the class of err. Unclassified errors are SERVER.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound), errors.Is(err, repo.ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrBadRequest):
		return KindBadRequest
	default:
		return KindServer
	}
}

func wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

func notFound(format string, args ...any) error {
	return wrap(ErrNotFound, format, args...)
}

func forbidden(format string, args ...any) error {
	return wrap(ErrForbidden, format, args...)
}

func badRequest(format string, args ...any) error {
	return wrap(ErrBadRequest, format, args...)
}

func serverError(format string, args ...any) error {
	return wrap(ErrServer, format, args...)
}

// lookup translates a repository miss into ErrNotFound for what.
func lookup(err error, what string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return notFound("%s", what)
	}
	return err
}
