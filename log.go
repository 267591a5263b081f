// Package bthci holds what the HCI packages under linux/ share: the
// functional options that configure an hci.HCI and the module logger.
//
// Every package logs through a child of the module logger tagged with
// "pkg" (hci, h4, socket, thread, reactor, alarm) and, where a package has
// more than one moving part, "part" (cmd, acl). Applications route the
// output elsewhere with SetLogger before creating anything.
package bthci

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Fields are the tags of a child logger.
type Fields = map[string]interface{}

// Logger is what the module logs through. The default is a logrus text
// logger on stderr at info level.
type Logger interface {
	Info(...interface{})
	Debug(...interface{})
	Error(...interface{})
	Warn(...interface{})

	Infof(string, ...interface{})
	Debugf(string, ...interface{})
	Errorf(string, ...interface{})
	Warnf(string, ...interface{})

	ChildLogger(tags Fields) Logger
}

var (
	logger   Logger
	loggerMu sync.Mutex
)

// SetLogLevel sets the default logger's level by logrus name ("warn",
// "debug", "trace", ...). It fails for a logger installed with SetLogger.
func SetLogLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	lg, ok := GetLogger().(*defaultLogger)
	if !ok {
		return errors.New("non-default logger, can't set level")
	}
	lg.Entry.Logger.SetLevel(lvl)
	return nil
}

// SetLogLevelMax turns the default logger up to trace, which includes the
// per-packet debug lines of the h4 and hci packages.
func SetLogLevelMax() {
	if err := SetLogLevel(logrus.TraceLevel.String()); err != nil {
		GetLogger().Error(err)
	}
}

// SetLogger replaces the module logger. Loggers already handed out by
// Child keep writing to the old one.
func SetLogger(l Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	logger = l
}

func GetLogger() Logger {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	if logger == nil {
		logger = buildDefaultLogger()
	}

	return logger
}

// Child is shorthand for GetLogger().ChildLogger(tags).
func Child(tags Fields) Logger {
	return GetLogger().ChildLogger(tags)
}

type defaultLogger struct {
	*logrus.Entry
}

func buildDefaultLogger() Logger {
	l := &logrus.Logger{
		Formatter: &logrus.TextFormatter{DisableTimestamp: true},
		Level:     logrus.InfoLevel,
		Out:       os.Stderr,
		Hooks:     make(logrus.LevelHooks),
	}

	return &defaultLogger{Entry: l.WithFields(logrus.Fields{})}
}

func (d *defaultLogger) ChildLogger(tags Fields) Logger {
	return &defaultLogger{d.Entry.WithFields(tags)}
}
