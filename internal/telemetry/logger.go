// Package telemetry provides the structured logger used across every core
// package, a go-logr handle backed by stdr in this repository. Swapping the
// backend (to e.g. a vendor's zap adapter) only touches New.
package telemetry

import (
	"log"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
)

func init() {
	stdr.SetVerbosity(1)
}

// New returns a logr.Logger named after the calling component, e.g.
// telemetry.New("storage") -> log lines prefixed "storage".
func New(component string) logr.Logger {
	std := log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)
	return stdr.New(std).WithName(component)
}

// Discard returns a logger that drops everything, for tests that don't
// want log noise.
func Discard() logr.Logger {
	return logr.Discard()
}
