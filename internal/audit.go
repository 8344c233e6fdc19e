package internal

import (
	"io"
	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"
)

// NewAuditLogger returns a JSON logger that writes to a size-rotated file at
// fname. The returned closer flushes and closes the current file.
//
// When fname is empty, audit records are discarded.
func NewAuditLogger(fname string, maxSizeMB, maxBackups int) (*slog.Logger, io.Closer) {
	if fname == "" {
		return slog.New(slog.DiscardHandler), io.NopCloser(nil)
	}

	w := &lumberjack.Logger{
		Filename:   fname,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		MaxAge:     28,
		Compress:   true,
	}

	return slog.New(slog.NewJSONHandler(w, nil)), w
}
