// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package log provides verbosity-levelled logging on top of logrus:
//   - Logf(v, ...) prints only when v is at most the global verbosity
//   - With attaches structured fields for a single message
//   - Fatalf terminates the process
package log

import (
	"io"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var (
	verbosity atomic.Int32
	logger    = logrus.New()
)

func init() {
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006/01/02 15:04:05",
	})
	logger.SetLevel(logrus.DebugLevel)
}

// SetVerbosity sets the highest level printed by Logf.
func SetVerbosity(v int) {
	verbosity.Store(int32(v))
}

// V reports whether messages of level v are printed.
func V(v int) bool {
	return int32(v) <= verbosity.Load()
}

// SetOutput redirects all log output.
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

func Logf(v int, msg string, args ...interface{}) {
	if !V(v) {
		return
	}
	if v == 0 {
		logger.Infof(msg, args...)
	} else {
		logger.WithField("v", v).Debugf(msg, args...)
	}
}

func Errorf(msg string, args ...interface{}) {
	logger.Errorf(msg, args...)
}

func Fatal(err error) {
	logger.Fatal(err)
}

func Fatalf(msg string, args ...interface{}) {
	logger.Fatalf(msg, args...)
}

// Fields are key/value pairs attached to a message.
type Fields = logrus.Fields

// Entry is a message builder returned by With.
type Entry struct {
	e *logrus.Entry
}

func With(fields Fields) Entry {
	return Entry{logger.WithFields(fields)}
}

func (e Entry) Logf(v int, msg string, args ...interface{}) {
	if !V(v) {
		return
	}
	if v == 0 {
		e.e.Infof(msg, args...)
	} else {
		e.e.WithField("v", v).Debugf(msg, args...)
	}
}

func (e Entry) Errorf(msg string, args ...interface{}) {
	e.e.Errorf(msg, args...)
}
