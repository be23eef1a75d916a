// Package supervisor runs the long-lived services of the daemon under a
// suture tree so a crashed service is restarted with backoff.
package supervisor

import (
	"context"
	"time"

	"backend-trackmates/internal/logging"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
)

type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

func (c TreeConfig) withDefaults() TreeConfig {
	d := DefaultTreeConfig()
	if c.FailureThreshold == 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.FailureDecay == 0 {
		c.FailureDecay = d.FailureDecay
	}
	if c.FailureBackoff == 0 {
		c.FailureBackoff = d.FailureBackoff
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	return c
}

// Tree has two layers: engine services (presence sweeper, event forwarding)
// and the API layer (HTTP server). A failing API does not restart the
// engine layer.
type Tree struct {
	root   *suture.Supervisor
	engine *suture.Supervisor
	api    *suture.Supervisor
	config TreeConfig
}

func NewTree(config TreeConfig) *Tree {
	config = config.withDefaults()
	log := logging.Component("supervisor")

	spec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	rootSpec := spec
	rootSpec.EventHook = eventHook(log)

	root := suture.New("trackmates", rootSpec)
	engine := suture.New("engine-layer", spec)
	api := suture.New("api-layer", spec)
	root.Add(engine)
	root.Add(api)

	return &Tree{root: root, engine: engine, api: api, config: config}
}

func (t *Tree) AddEngineService(svc suture.Service) suture.ServiceToken {
	return t.engine.Add(svc)
}

func (t *Tree) AddAPIService(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

// Serve blocks until ctx is cancelled and every service has stopped.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}

func eventHook(log zerolog.Logger) suture.EventHook {
	return func(ev suture.Event) {
		entry := log.Warn()
		if ev.Type() == suture.EventTypeBackoff || ev.Type() == suture.EventTypeResume {
			entry = log.Info()
		}
		entry.Fields(ev.Map()).Msg(ev.String())
	}
}
