// Copyright (C) 2025  tcpbbr authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package log is a thin layer over logrus. All packages in this module
// log through it so the output format and level are controlled in one place.
package log

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

type (
	Fields    = logrus.Fields
	Level     = logrus.Level
	Entry     = logrus.Entry
	Formatter = logrus.Formatter
)

const (
	PanicLevel = logrus.PanicLevel
	FatalLevel = logrus.FatalLevel
	ErrorLevel = logrus.ErrorLevel
	WarnLevel  = logrus.WarnLevel
	InfoLevel  = logrus.InfoLevel
	DebugLevel = logrus.DebugLevel
	TraceLevel = logrus.TraceLevel
)

// std is the logger used by the package level functions.
var std = logrus.New()

// init modifies the global logger instance with the desired output file (stdout)
// and customized formatter.
func init() {
	SetOutput(os.Stdout)
	SetFormatter(&CliFormatter{})
	std.SetLevel(InfoLevel)
}

// SetOutput sets the log destination.
func SetOutput(out io.Writer) {
	std.SetOutput(out)
}

// SetFormatter sets the log formatter.
func SetFormatter(formatter Formatter) {
	std.SetFormatter(formatter)
}

// SetLevel sets the log level from a case insensitive level name.
// It returns false if the level name is not recognized.
func SetLevel(level string) (ok bool) {
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return false
	}
	std.SetLevel(lvl)
	return true
}

// GetLevel returns the current log level.
func GetLevel() Level {
	return std.GetLevel()
}

// IsLevelEnabled returns true if a message of the given level would be printed.
func IsLevelEnabled(level Level) bool {
	return std.IsLevelEnabled(level)
}

// WithField creates an entry with a single field.
func WithField(key string, value any) *Entry {
	return std.WithField(key, value)
}

// WithFields creates an entry with multiple fields.
func WithFields(fields Fields) *Entry {
	return std.WithFields(fields)
}

// WithError creates an entry with the error attached.
func WithError(err error) *Entry {
	return std.WithError(err)
}

func Tracef(format string, args ...any) {
	std.Tracef(format, args...)
}

func Debugf(format string, args ...any) {
	std.Debugf(format, args...)
}

func Infof(format string, args ...any) {
	std.Infof(format, args...)
}

func Warnf(format string, args ...any) {
	std.Warnf(format, args...)
}

func Errorf(format string, args ...any) {
	std.Errorf(format, args...)
}

func Fatalf(format string, args ...any) {
	std.Fatalf(format, args...)
}
