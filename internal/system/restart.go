// Package system holds the device restart primitive. On the target hardware
// the daemon runs under a supervisor (systemd Restart=always) that starts it
// again after it exits with ExitCodeRestart.
package system

import (
	"os"
	"sync"

	"github.com/rs/zerolog/log"
)

// ExitCodeRestart is the process exit code that asks the supervisor for a
// fresh start.
const ExitCodeRestart = 3

// Restarter restarts the device. It is only called from escalation paths:
// the reinitialization ceiling, failed bring-up, the uptime watchdog and the
// maintenance restart timer.
type Restarter interface {
	Restart(reason string)
}

// ExitRestarter restarts by exiting the process. Hooks registered with
// OnRestart run first, in order, so journals and trace files get flushed.
type ExitRestarter struct {
	mu    sync.Mutex
	hooks []func()
	once  sync.Once
	exit  func(code int)
}

func NewExitRestarter() *ExitRestarter {
	return &ExitRestarter{exit: os.Exit}
}

// OnRestart registers fn to run just before the process exits.
func (r *ExitRestarter) OnRestart(fn func()) {
	r.mu.Lock()
	r.hooks = append(r.hooks, fn)
	r.mu.Unlock()
}

func (r *ExitRestarter) Restart(reason string) {
	r.once.Do(func() {
		log.Warn().Str("component", "system").Str("reason", reason).
			Int("exit_code", ExitCodeRestart).Msg("restarting device")
		r.mu.Lock()
		hooks := append([]func(){}, r.hooks...)
		r.mu.Unlock()
		for _, fn := range hooks {
			fn()
		}
		r.exit(ExitCodeRestart)
	})
}

// Recorder is a Restarter that only remembers the requests it received.
// The simulated bus (--demo) and tests use it instead of exiting.
type Recorder struct {
	mu      sync.Mutex
	reasons []string
	notify  chan string
}

func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan string, 16)}
}

func (r *Recorder) Restart(reason string) {
	r.mu.Lock()
	r.reasons = append(r.reasons, reason)
	r.mu.Unlock()
	select {
	case r.notify <- reason:
	default:
	}
}

// Count returns how many restarts were requested.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reasons)
}

// Reasons returns a copy of the recorded reasons.
func (r *Recorder) Reasons() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reasons...)
}

// Requests delivers each restart reason as it is recorded.
func (r *Recorder) Requests() <-chan string { return r.notify }
