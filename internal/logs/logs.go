// Package logs has log15 helpers shared by the engine's components.
package logs

import "github.com/inconshreveable/log15"

// OrDiscard returns logger, or a logger that discards everything if logger is
// nil.
func OrDiscard(logger log15.Logger) log15.Logger { //nolint:ireturn
	if logger != nil {
		return logger
	}

	l := log15.New()
	l.SetHandler(log15.DiscardHandler())

	return l
}
