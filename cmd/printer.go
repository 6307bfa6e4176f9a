// Package cmd implements the CLI verbs behind the shroud binary. The daemon
// verbs run in-process; everything else talks to a running daemon over the
// control socket.
package cmd

import (
	"grimm.is/shroud/internal/i18n"
)

// Printer localizes CLI output based on the system locale.
var Printer = i18n.NewCLIPrinter()
