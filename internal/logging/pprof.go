package logging

import (
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // Register pprof handlers
	"time"
)

// DefaultPprofAddr is used when Config.PprofAddr is empty.
const DefaultPprofAddr = "localhost:6060"

var pprofLog = ForComponent(CompPprof)

// startPprof serves the pprof handlers on addr in the background. Init holds
// the global lock while calling it, so all logging happens in the goroutine.
func startPprof(addr string) {
	if addr == "" {
		addr = DefaultPprofAddr
	}
	go func() {
		srv := &http.Server{Addr: addr, Handler: http.DefaultServeMux, ReadHeaderTimeout: 5 * time.Second}
		pprofLog.Info("pprof_server_start", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			pprofLog.Warn("pprof_server_error", slog.String("addr", addr), slog.String("error", err.Error()))
		}
	}()
}
