package errors

import (
	"context"
	stderrors "errors"
)

func isContextErr(err error) bool {
	return stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)
}
