package main

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/codegangsta/negroni"
	"go.uber.org/zap"
)

// wrapMiddleware puts recovery and access logging in front of handler.
func wrapMiddleware(handler http.Handler, logger *zap.Logger) http.Handler {
	return negroni.New(
		newRecovery(logger),
		newAccessLogger(logger),
		negroni.Wrap(handler),
	)
}

// accessLogger logs one line per request.
type accessLogger struct {
	logger *zap.Logger
}

func newAccessLogger(logger *zap.Logger) *accessLogger {
	return &accessLogger{logger: logger}
}

// ServeHTTP implements negroni.Handler
func (l *accessLogger) ServeHTTP(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	start := time.Now()
	next(w, r)

	fields := []zap.Field{
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Duration("duration", time.Since(start)),
	}
	if rw, ok := w.(negroni.ResponseWriter); ok {
		fields = append(fields, zap.Int("status", rw.Status()), zap.Int("size", rw.Size()))
	}
	l.logger.Info("request", fields...)
}

// recovery turns a handler panic into a 500 and logs the stack.
type recovery struct {
	logger    *zap.Logger
	stackAll  bool
	stackSize int
}

func newRecovery(logger *zap.Logger) *recovery {
	return &recovery{
		logger:    logger,
		stackSize: 8 << 10,
	}
}

// ServeHTTP implements negroni.Handler
func (rec *recovery) ServeHTTP(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	defer func() {
		if err := recover(); err != nil {
			if rw, ok := w.(negroni.ResponseWriter); !ok || !rw.Written() {
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}

			stack := make([]byte, rec.stackSize)
			stack = stack[:runtime.Stack(stack, rec.stackAll)]
			rec.logger.Error("recovered from panic",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("panic", fmt.Sprint(err)),
				zap.ByteString("stack", stack))
		}
	}()

	next(w, r)
}
