// Package rtlog wires the runtime's internal diagnostics (silent-error
// warnings, dispatcher misuse, WebSocket close/protocol-error tracing)
// to a structured logiface/stumpy logger. There is no user-facing
// logging feature here, only the ambient diagnostic stack every
// production module in this line of work carries.
package rtlog

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

var (
	mu      sync.RWMutex
	current = newDefault()
)

func newDefault() *logiface.Logger[*stumpy.Event] {
	return stumpy.L.New(stumpy.L.WithStumpy())
}

// SetWriter redirects the default logger's output, primarily so tests
// can capture and assert on emitted diagnostics.
func SetWriter(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	current = stumpy.L.New(stumpy.L.WithStumpy(stumpy.WithWriter(w)))
}

// SetLevel bounds which levels are actually emitted.
func SetLevel(level logiface.Level) {
	mu.Lock()
	defer mu.Unlock()
	current = stumpy.L.New(stumpy.L.WithStumpy(), stumpy.L.WithLevel(level))
}

// Logger returns the current internal logger. Safe for concurrent use.
func Logger() *logiface.Logger[*stumpy.Event] {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// silentErrorLimiter throttles repeated silent-error diagnostics from
// the same call site so a runaway producer of dropped cell errors
// cannot flood the log.
var silentErrorLimiter = catrate.NewLimiter(map[time.Duration]int{
	time.Second: 5,
	time.Minute: 60,
})

// WarnSilentError reports a Deferred Cell that held an error which was
// never observed by a consumer, throttled per call site.
func WarnSilentError(site string, err error) {
	if _, ok := silentErrorLimiter.Allow(site); !ok {
		return
	}
	Logger().Warning().Str(`site`, site).Err(err).Log(`deferred cell destroyed with unobserved error`)
}

func init() {
	// Default writer mirrors the teacher's own choice of stderr for
	// diagnostics that are not a deliberate output stream.
	SetWriter(os.Stderr)
}
