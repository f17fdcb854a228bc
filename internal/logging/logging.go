// Package logging provides a small process-wide structured logger, built on
// top of zap as a package-level singleton so any package can log without
// threading a logger through every constructor.
package logging

import (
	"log"
	"sync/atomic"

	"go.uber.org/zap"
)

var singleton atomic.Pointer[zap.SugaredLogger]

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		// zap.NewProduction only fails on a broken encoder config; fall back
		// to a bare logger rather than leave the singleton nil.
		log.Printf("logging: failed to initialize zap logger: %v", err)
		l = zap.NewNop()
	}
	singleton.Store(l.Sugar())
}

// Initialize reconfigures the package logger for debug or production mode.
// Call once at process start, before Serve.
func Initialize(debug bool) {
	var l *zap.Logger
	var err error
	if debug {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		log.Printf("logging: failed to initialize zap logger: %v", err)
		return
	}
	singleton.Store(l.Sugar())
}

// L returns the current process-wide logger.
func L() *zap.SugaredLogger {
	return singleton.Load()
}

// Debugf logs a formatted debug message.
func Debugf(format string, args ...any) { L().Debugf(format, args...) }

// Infof logs a formatted info message.
func Infof(format string, args ...any) { L().Infof(format, args...) }

// Warnf logs a formatted warning message.
func Warnf(format string, args ...any) { L().Warnf(format, args...) }

// Errorf logs a formatted error message.
func Errorf(format string, args ...any) { L().Errorf(format, args...) }
