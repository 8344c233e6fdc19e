package internal

import (
	"log"
	"os"
	"strings"
)

// ErrorLogFilter is used to suppress "context canceled" logs from the http
// server when a client gives up on a request, which happens routinely while
// a score transaction is waiting for confirmation.
type ErrorLogFilter struct {
	Unwrap *log.Logger
}

func (elf *ErrorLogFilter) Write(p []byte) (n int, err error) {
	if strings.Contains(string(p), "context canceled") {
		return len(p), nil
	}
	if elf.Unwrap != nil {
		return elf.Unwrap.Writer().Write(p)
	}
	return len(p), nil
}

func GetFilteredHTTPLogger() *log.Logger {
	stdErrLogger := log.New(os.Stderr, "", log.LstdFlags)
	return log.New(&ErrorLogFilter{Unwrap: stdErrLogger}, "", 0)
}
