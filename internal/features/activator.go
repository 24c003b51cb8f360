// Package features activates optional feature modules at startup in a fixed
// order, isolating failures of the modules that are allowed to fail.
package features

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5"

	"flowdeck/internal/config"
	"flowdeck/internal/modules"
	"flowdeck/internal/observability/logging"
	"flowdeck/internal/observability/metrics"
)

type Status string

const (
	StatusActivated Status = "activated"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// Descriptor is one entry of the activation registry.
type Descriptor struct {
	Name string
	// Enabled gates the module on the feature flags. Nil means always attempted.
	Enabled func(config.Flags) bool
	// Init prepares the module. Nil means the module only registers routes.
	Init func(ctx context.Context) error
	// Routes registers HTTP routes; it runs only after Init succeeded.
	Routes func(r chi.Router)
	// Optional modules log Init failures and let activation continue.
	Optional bool
}

// Outcome records what happened to one descriptor.
type Outcome struct {
	Name   string
	Status Status
	Err    error
}

// Report lists outcomes in activation order.
type Report struct {
	Outcomes []Outcome
}

// Lookup returns the outcome recorded for name.
func (r Report) Lookup(name string) (Outcome, bool) {
	for _, outcome := range r.Outcomes {
		if outcome.Name == name {
			return outcome, true
		}
	}
	return Outcome{}, false
}

type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Activator walks a static descriptor registry.
type Activator struct {
	descriptors []Descriptor
	logger      *slog.Logger
	metrics     *metrics.Recorder
}

func NewActivator(cfg Config, descriptors ...Descriptor) *Activator {
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Activator{
		descriptors: append([]Descriptor(nil), descriptors...),
		logger:      logging.WithComponent(logging.OrDefault(cfg.Logger), "activator"),
		metrics:     recorder,
	}
}

// Activate evaluates every descriptor in order. A failure of a non-optional
// module stops activation and is returned; the partial report is returned
// alongside it.
func (a *Activator) Activate(ctx context.Context, flags config.Flags, r chi.Router) (Report, error) {
	report := Report{Outcomes: make([]Outcome, 0, len(a.descriptors))}
	for _, d := range a.descriptors {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("activate %s: %w", d.Name, err)
		}
		outcome := a.activateOne(ctx, flags, r, d)
		report.Outcomes = append(report.Outcomes, outcome)
		a.metrics.ObserveActivation(d.Name, string(outcome.Status))

		if outcome.Status == StatusFailed && !d.Optional {
			return report, fmt.Errorf("activate %s: %w", d.Name, outcome.Err)
		}
	}
	return report, nil
}

func (a *Activator) activateOne(ctx context.Context, flags config.Flags, r chi.Router, d Descriptor) Outcome {
	if d.Enabled != nil && !d.Enabled(flags) {
		a.logger.Debug("feature module skipped", "module", d.Name)
		return Outcome{Name: d.Name, Status: StatusSkipped}
	}

	start := time.Now()
	if d.Init != nil {
		if err := initDescriptor(ctx, d); err != nil {
			if d.Optional {
				a.logger.Warn("feature module failed to initialize, continuing without it",
					"module", d.Name, "error", err)
			} else {
				a.logger.Error("feature module failed to initialize", "module", d.Name, "error", err)
			}
			return Outcome{Name: d.Name, Status: StatusFailed, Err: err}
		}
	}
	if d.Routes != nil && r != nil {
		d.Routes(r)
	}
	a.logger.Info("feature module activated", "module", d.Name, "duration_ms", time.Since(start).Milliseconds())
	return Outcome{Name: d.Name, Status: StatusActivated}
}

// initDescriptor runs d.Init, turning a panic into an error so an optional
// module cannot take startup down with it.
func initDescriptor(ctx context.Context, d Descriptor) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%s init panicked: %v", d.Name, rec)
		}
	}()
	return d.Init(ctx)
}

// FromModule builds a descriptor whose Init and Routes delegate to mod.
func FromModule(mod modules.Module, enabled func(config.Flags) bool, optional bool) Descriptor {
	d := Descriptor{
		Name:     mod.Name(),
		Enabled:  enabled,
		Init:     mod.Init,
		Optional: optional,
	}
	if registrar, ok := mod.(modules.RouteRegistrar); ok {
		d.Routes = registrar.RegisterRoutes
	}
	return d
}
