// Package telemetry exposes a localhost-only pprof listener for profiling
// live engines. Off by default; PPROF_PORT enables it.
package telemetry

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"

	"github.com/iceos-ai/iceos/common/logger"
)

// Telemetry holds the profiling listener.
type Telemetry struct {
	log  *logger.Logger
	addr string
}

// New creates telemetry bound to localhost on the given port.
func New(pprofPort int, log *logger.Logger) *Telemetry {
	return &Telemetry{
		log:  log,
		addr: fmt.Sprintf("localhost:%d", pprofPort),
	}
}

// Start serves pprof in the background. Errors are logged, not fatal;
// profiling is never worth taking the service down for.
func (t *Telemetry) Start() {
	go func() {
		t.log.Info("pprof server starting", "addr", t.addr)
		if err := http.ListenAndServe(t.addr, nil); err != nil {
			t.log.Error("pprof server error", "error", err)
		}
	}()
}
