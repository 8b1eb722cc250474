// Package appctx holds the handles every long-lived component needs,
// passed through constructors instead of touched via global singletons.
package appctx

import (
	"webhookbroker/internal/controlplane"
	"webhookbroker/internal/filterengine"
	"webhookbroker/internal/ingress"
	"webhookbroker/internal/injector"
	"webhookbroker/internal/pipeline"
	"webhookbroker/internal/ratelimit"
	"webhookbroker/internal/sessionwatch"
	"webhookbroker/internal/store"
	"webhookbroker/internal/tunnel"
)

// App bundles the store, session watcher, injector, filter engine,
// pipeline, rate limiter, tunnel supervisor, ingress server, and control
// plane so they're wired through constructors rather than reached for as
// package-level globals.
type App struct {
	Store        store.Store
	Watcher      *sessionwatch.Watcher
	Injector     *injector.Injector
	FilterEngine *filterengine.Engine
	Pipeline     *pipeline.Pipeline
	Limiter      *ratelimit.Limiter
	Tunnel       *tunnel.Supervisor
	Ingress      *ingress.Server
	ControlPlane *controlplane.ControlPlane
}
