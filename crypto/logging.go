package crypto

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/sirupsen/logrus"
)

// keyPreviewBytes is how much of a key or digest log fields may reveal.
const keyPreviewBytes = 8

// Logger is a logrus entry tagged with the package and function that logs.
// The level methods come from the embedded entry.
type Logger struct {
	*logrus.Entry
}

// NewLogger returns a Logger for a function of this package.
func NewLogger(function string) *Logger {
	return NewPackageLogger("crypto", function)
}

// NewPackageLogger returns a Logger for function in pkg.
func NewPackageLogger(pkg, function string) *Logger {
	return &Logger{logrus.WithFields(logrus.Fields{
		"package":  pkg,
		"function": function,
	})}
}

// WithCaller adds the file:line of the code calling it.
func (l *Logger) WithCaller() *Logger {
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		return l
	}
	return &Logger{l.Entry.WithField("caller", fmt.Sprintf("%s:%d", filepath.Base(file), line))}
}

// WithFields adds fields and keeps the Logger type for chaining.
func (l *Logger) WithFields(fields logrus.Fields) *Logger {
	return &Logger{l.Entry.WithFields(fields)}
}

// WithError records err and the operation that failed.
func (l *Logger) WithError(err error, operation string) *Logger {
	return &Logger{l.Entry.WithFields(logrus.Fields{
		logrus.ErrorKey: err,
		"operation":     operation,
	})}
}

// SecureFieldHash returns <name>_preview and <name>_size fields that show
// at most the leading bytes of data.
func SecureFieldHash(data []byte, name string) logrus.Fields {
	preview := "nil"
	switch {
	case len(data) > keyPreviewBytes:
		preview = hex.EncodeToString(data[:keyPreviewBytes]) + "..."
	case len(data) > 0:
		preview = hex.EncodeToString(data)
	}
	return logrus.Fields{
		name + "_preview": preview,
		name + "_size":    len(data),
	}
}
