package autolang

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	processorMaxAttempts = 5
	processorRetryDelay  = time.Second
	processorPollWait    = time.Second
	processorOpTimeout   = 30 * time.Second
)

// Processor drains the alert queue one alert at a time. Transient
// faults retry the same alert with a short delay; connection faults and
// unexpected errors drop it.
type Processor struct {
	queue  *Queue
	server *Server

	maxAttempts int
	retryDelay  time.Duration
	opTimeout   time.Duration
}

// NewProcessor binds a queue to the server it processes against.
func NewProcessor(queue *Queue, server *Server) *Processor {
	return &Processor{
		queue:       queue,
		server:      server,
		maxAttempts: processorMaxAttempts,
		retryDelay:  processorRetryDelay,
		opTimeout:   processorOpTimeout,
	}
}

// Run processes alerts until the context is canceled.
func (p *Processor) Run(ctx context.Context) {
	log.Debug().Msg("Alert processor started")
	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("Alert processor stopped")
			return
		case alert := <-p.queue.C():
			p.handle(ctx, alert)
		case <-time.After(processorPollWait):
		}
	}
}

// handle runs one alert through the retry policy.
func (p *Processor) handle(ctx context.Context, alert Alert) {
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, p.opTimeout)
		err := alert.Process(opCtx, p.server)
		cancel()
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		switch ClassifyFault(err) {
		case FaultTransient:
			if attempt == p.maxAttempts {
				log.Error().
					Err(err).
					Str("kind", alert.Kind()).
					Int("attempts", attempt).
					Msg("Giving up on alert after repeated transient faults")
				return
			}
			log.Warn().
				Err(err).
				Str("kind", alert.Kind()).
				Int("attempt", attempt).
				Msg("Transient fault processing alert, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.retryDelay):
			}
		case FaultConnectionLost:
			log.Warn().
				Err(err).
				Str("kind", alert.Kind()).
				Msg("Connection lost while processing alert, dropping")
			return
		default:
			log.Error().
				Err(err).
				Str("kind", alert.Kind()).
				Msg("Unexpected error processing alert, dropping")
			return
		}
	}
}
