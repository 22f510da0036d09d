package util

import (
	"fmt"
	"os"
	"runtime/debug"

	log "github.com/sirupsen/logrus"

	"github.com/modsync/modsync/pkg/errors"
)

// friendlyError is an error whose message is meant to be shown to the user
// as-is, without the error chain prefix.
type friendlyError interface {
	FriendlyMessage() string
}

// HandleFatalError prints the error and exits with a non-zero status.
func HandleFatalError(err error) {
	if friendly, ok := errors.RootCause(err).(friendlyError); ok {
		fmt.Fprintln(os.Stderr, friendly.FriendlyMessage())
	} else {
		log.WithError(err).Error("Fatal error")
	}
	os.Exit(1)
}

// HandlePanic logs unexpected crashes with their stack trace so that bug
// reports contain something actionable.
func HandlePanic() {
	if r := recover(); r != nil {
		log.WithField("panic", r).Error("Unexpected crash")
		fmt.Fprintf(os.Stderr, "%s\n", debug.Stack())
		os.Exit(1)
	}
}
