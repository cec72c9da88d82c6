package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/geosia-dev/gsnet/pkg/rpc"
)

// Logging logs every inbound call at debug level and failures at info.
func Logging(logger *zap.Logger) rpc.Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return rpc.MiddlewareFunc(func(ctx context.Context, call *rpc.Call, next func(context.Context) (*rpc.Results, error)) (*rpc.Results, error) {
		start := time.Now()
		res, err := next(ctx)

		fields := []zap.Field{
			zap.Stringer("method", call.Method),
			zap.Duration("duration", time.Since(start)),
		}
		if err != nil {
			logger.Info("rpc call failed", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("rpc call", fields...)
		}
		return res, err
	})
}
