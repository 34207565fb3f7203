package buildsys

import (
	"context"

	"github.com/rs/zerolog"
)

type logKey struct{}

func log(ctx context.Context) *zerolog.Logger {
	logger := ctx.Value(logKey{})
	if logger == nil {
		panic("Logger is missing in context!")
	}

	return logger.(*zerolog.Logger)
}

// Log returns the logger attached with WithLogger
func Log(ctx context.Context) *zerolog.Logger {
	return log(ctx)
}

// WithLogger attaches the given logger to the context. It's also made available through zerolog.Ctx
// for packages that don't know about buildsys.
func WithLogger(ctx context.Context, logger *zerolog.Logger) context.Context {
	ctx = logger.WithContext(ctx)
	return context.WithValue(ctx, logKey{}, logger)
}
