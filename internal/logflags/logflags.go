// Package logflags configures the loggers used across this module, the
// way github.com/go-delve/delve/pkg/logflags wires up per-component
// logrus loggers rather than calling fmt.Fprintf(os.Stderr, ...) from
// deep inside library code.
package logflags

import (
	"os"
	"sync"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var (
	mu        sync.Mutex
	verbose   bool
	writer    = defaultWriter()
	loggers   = map[string]*logrus.Entry{}
)

func defaultWriter() *logrus.Logger {
	l := logrus.New()
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		l.Out = colorable.NewColorableStderr()
	} else {
		l.Out = colorable.NewNonColorableWriter(os.Stderr)
	}
	l.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	l.Level = logrus.InfoLevel
	return l
}

// Setup switches every component logger to debug level when verbose is
// true. Call once, early in main.
func Setup(verboseFlag bool) {
	mu.Lock()
	defer mu.Unlock()
	verbose = verboseFlag
	if verbose {
		writer.Level = logrus.DebugLevel
	} else {
		writer.Level = logrus.InfoLevel
	}
}

// Verbose reports whether verbose logging was requested.
func Verbose() bool {
	mu.Lock()
	defer mu.Unlock()
	return verbose
}

// Logger returns the component-scoped logger for component, creating it
// on first use. Typical components: "filter", "reader", "codegen",
// "walker".
func Logger(component string) *logrus.Entry {
	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[component]; ok {
		return l
	}
	l := writer.WithField("component", component)
	loggers[component] = l
	return l
}
