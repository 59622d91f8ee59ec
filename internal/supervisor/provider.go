package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/kandev/runtimed/internal/common/config"
	"github.com/kandev/runtimed/internal/common/logger"
	"github.com/kandev/runtimed/internal/events/bus"
	"github.com/kandev/runtimed/internal/history"
	"github.com/kandev/runtimed/internal/logpipe"
	"github.com/kandev/runtimed/internal/metrics"
)

// Deps are the optional collaborators the daemon shares with the supervisor.
type Deps struct {
	Bus     bus.EventBus
	History history.Recorder
	Metrics metrics.Collector
}

// Provide builds the supervisor from the daemon configuration, starts the
// runtime in the background when startOnBoot is set, and returns a cleanup
// that stops it.
func Provide(cfg *config.Config, log *logger.Logger, deps Deps) (*Supervisor, func() error, error) {
	m := deps.Metrics
	if m == nil {
		m = metrics.Nop{}
	}
	lp := cfg.LogPipeline
	pipeline := logpipe.New(log,
		logpipe.WithVerbose(lp.Verbose),
		logpipe.WithWindow(lp.Window, lp.NoisyQuota),
		logpipe.WithMaxLineLength(lp.MaxLineLength),
		logpipe.WithMetrics(m),
	)

	opts := []Option{WithPipeline(pipeline), WithMetrics(m)}
	if deps.Bus != nil {
		opts = append(opts, WithEventBus(deps.Bus))
	}
	if deps.History != nil {
		opts = append(opts, WithHistory(deps.History))
	}
	sup := New(ConfigFrom(cfg), log, opts...)

	if cfg.Runtime.Enabled && cfg.Supervisor.StartOnBoot {
		go func() {
			if !sup.Start(context.Background(), false) {
				log.Warn("runtime did not start on boot; see earlier log entries")
			}
		}()
	}

	var stopOnce sync.Once
	cleanup := func() error {
		stopOnce.Do(func() {
			// Stop is bounded by the graceful timeout plus the kill confirmation.
			stopCtx, cancel := context.WithTimeout(context.Background(),
				cfg.Supervisor.GracefulStopTimeout+killConfirmTimeout+time.Second)
			defer cancel()
			sup.Close(stopCtx)
		})
		return nil
	}

	return sup, cleanup, nil
}
