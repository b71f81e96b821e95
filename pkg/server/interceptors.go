// Package server 提供同步服务端的 gRPC 拦截器。
package server

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// =============================================================================
// 1. Logging Interceptor (结构化日志)
// =============================================================================

// UnaryLoggingInterceptor 记录普通请求
func UnaryLoggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	logRPC("unary", info.FullMethod, time.Since(start), err)
	return resp, err
}

// StreamLoggingInterceptor 记录流式请求
func StreamLoggingInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	start := time.Now()
	err := handler(srv, ss)
	logRPC("stream", info.FullMethod, time.Since(start), err)
	return err
}

// logRPC 统一的日志出口。
// NotFound 之类的业务错误算 Warn，Internal/Unknown 才算 Error。
func logRPC(kind, method string, duration time.Duration, err error) {
	st, _ := status.FromError(err)
	code := st.Code()

	level := zerolog.InfoLevel
	if code != codes.OK {
		if code == codes.Internal || code == codes.Unknown {
			level = zerolog.ErrorLevel
		} else {
			level = zerolog.WarnLevel
		}
	}

	log.WithLevel(level).
		Str("kind", kind).
		Str("method", method).
		Str("code", code.String()).
		Dur("dur", duration).
		Err(err).
		Msg("grpc request")
}

// =============================================================================
// 2. Recovery Interceptor
// =============================================================================

// UnaryRecoveryInterceptor 捕获 Panic
func UnaryRecoveryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recoverFromPanic(r)
		}
	}()
	return handler(ctx, req)
}

// StreamRecoveryInterceptor 捕获 Panic
func StreamRecoveryInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recoverFromPanic(r)
		}
	}()
	return handler(srv, ss)
}

func recoverFromPanic(p any) error {
	log.Error().
		Any("panic", p).
		Str("stack", string(debug.Stack())).
		Msg("panic recovered in grpc handler")
	// 返回 Internal 而不是直接断连，客户端能拿到明确的错误
	return status.Errorf(codes.Internal, "internal server error: panic recovered")
}
