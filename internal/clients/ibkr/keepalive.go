package ibkr

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantfold/openrange/internal/clients/ibkr/sdk"
)

const (
	tickleEndpoint = "/tickle"

	// Consecutive tickle failures before the session is considered lost.
	maxKeepAliveFailures = 3
)

// KeepAlive pings the brokerage session periodically so it does not expire
// from inactivity. It runs on its own goroutine between Start and Stop;
// failures are logged and never propagate to the caller, but three
// consecutive failures invoke onFailure and end the loop.
type KeepAlive struct {
	exec     *sdk.Client
	interval time.Duration
	log      zerolog.Logger

	// onFailure is called at most once, after the failure cutoff.
	onFailure func()

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewKeepAlive creates a keepalive task. onFailure may be nil.
func NewKeepAlive(exec *sdk.Client, interval time.Duration, onFailure func(), log zerolog.Logger) *KeepAlive {
	return &KeepAlive{
		exec:      exec,
		interval:  interval,
		log:       log.With().Str("component", "ibkr-keepalive").Logger(),
		onFailure: onFailure,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the keepalive goroutine.
func (k *KeepAlive) Start() {
	go k.run()
}

// Stop signals the goroutine and waits for it to exit. Safe to call more
// than once and after the loop has already ended on its own.
func (k *KeepAlive) Stop() {
	k.stopOnce.Do(func() { close(k.stop) })
	<-k.done
}

func (k *KeepAlive) run() {
	defer close(k.done)

	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-k.stop:
			return
		case <-ticker.C:
			if err := k.tickle(); err != nil {
				failures++
				k.log.Warn().Err(err).Int("consecutive_failures", failures).Msg("Keepalive tickle failed")
				if failures >= maxKeepAliveFailures {
					k.log.Error().Msg("Keepalive failed repeatedly, marking session lost")
					if k.onFailure != nil {
						k.onFailure()
					}
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (k *KeepAlive) tickle() error {
	timeout := k.interval
	if timeout < 5*time.Second {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var resp sdk.TickleResponse
	return k.exec.Execute(ctx, http.MethodPost, tickleEndpoint, nil, nil, &resp)
}
