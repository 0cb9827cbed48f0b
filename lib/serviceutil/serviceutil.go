package serviceutil

import (
	"fmt"
	"log/slog"
	"os"
)

// Fatal logs err and exits. Deferred calls do not run.
func Fatal(message string, err error) {
	slog.Error(message, "err", err.Error())
	fmt.Fprintf(os.Stderr, "%s: %v\n", message, err)
	os.Exit(1)
}
