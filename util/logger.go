package util

import (
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

var (
	globalLogger Logger = NewZerologLogger(InitLogger("INFO", "json"))
	globalLock   sync.RWMutex
)

func SetLogger(log Logger) {
	if log == nil {
		panic("Can't set the logger to nil")
	}

	globalLock.Lock()
	globalLogger = log
	globalLock.Unlock()
}

func current() Logger {
	globalLock.RLock()
	defer globalLock.RUnlock()
	return globalLogger
}

func Printf(format string, a ...any) {
	current().Printf(format, a...)
}

func Infof(format string, a ...any) {
	current().Infof(format, a...)
}

func Debugf(format string, a ...any) {
	current().Debugf(format, a...)
}

func Warnf(format string, a ...any) {
	current().Warnf(format, a...)
}

func Errorf(format string, a ...any) error {
	return current().Errorf(format, a...)
}

type Logger interface {
	// Printf - Straight print passthrough
	Printf(format string, a ...any)
	// Infof - Info level print
	Infof(format string, a ...any)
	// Debugf - Debug level print, mostly used for information/tracing
	Debugf(format string, a ...any)
	// Warnf - Warn level print, something that might be a problem
	Warnf(format string, a ...any)
	// Errorf - Error level print - returns an error
	Errorf(format string, a ...any) error
}

// ZerologLogger adapts a zerolog.Logger to the printf-style Logger interface.
type ZerologLogger struct {
	log zerolog.Logger
}

func NewZerologLogger(log zerolog.Logger) *ZerologLogger {
	return &ZerologLogger{log: log}
}

func (l *ZerologLogger) Printf(format string, a ...any) {
	l.log.Log().Msg(trim(fmt.Sprintf(format, a...)))
}

func (l *ZerologLogger) Infof(format string, a ...any) {
	l.log.Info().Msg(trim(fmt.Sprintf(format, a...)))
}

func (l *ZerologLogger) Debugf(format string, a ...any) {
	l.log.Debug().Msg(trim(fmt.Sprintf(format, a...)))
}

func (l *ZerologLogger) Warnf(format string, a ...any) {
	l.log.Warn().Msg(trim(fmt.Sprintf(format, a...)))
}

func (l *ZerologLogger) Errorf(format string, a ...any) error {
	err := fmt.Errorf(format, a...)
	l.log.Error().Msg(trim(err.Error()))
	return err
}

// Zerolog exposes the wrapped logger for callers that want structured fields.
func (l *ZerologLogger) Zerolog() zerolog.Logger {
	return l.log
}

func trim(msg string) string {
	return strings.TrimRight(msg, "\n")
}

type DiscardLogger struct{}

func (DiscardLogger) Printf(_ string, _ ...any) {

}

func (DiscardLogger) Infof(_ string, _ ...any) {

}

func (DiscardLogger) Debugf(_ string, _ ...any) {

}

func (DiscardLogger) Warnf(_ string, _ ...any) {

}

func (DiscardLogger) Errorf(format string, a ...any) error {
	return fmt.Errorf(format, a...)
}
