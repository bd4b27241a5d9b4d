package detector

import (
	"context"
	"strings"

	"github.com/loykin/svcvisor/internal/health"
)

// Detector is a strategy that determines whether a compatible service instance
// is already running outside our control.
// It must be safe for concurrent use.
type Detector interface {
	// Detect returns true if a compatible instance answers.
	Detect(ctx context.Context) (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// HealthDetector treats any endpoint passing a health check as compatible.
type HealthDetector struct {
	Spec   health.Spec
	Prober health.Checker
}

func (d HealthDetector) Detect(ctx context.Context) (bool, error) {
	p := d.Prober
	if p == nil {
		p = health.NewProber()
	}
	return p.Check(ctx, d.Spec), nil
}

func (d HealthDetector) Describe() string { return "health:" + d.Spec.String() }

// Any returns the first detector reporting a compatible instance, or nil. Errors
// from individual detectors are collected and returned alongside the result.
func Any(ctx context.Context, detectors ...Detector) (Detector, []error) {
	var errs []error
	for _, d := range detectors {
		if d == nil {
			continue
		}
		ok, err := d.Detect(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			return d, errs
		}
	}
	return nil, errs
}

// Describe joins the descriptions of ds.
func Describe(ds ...Detector) string {
	parts := make([]string, 0, len(ds))
	for _, d := range ds {
		if d != nil {
			parts = append(parts, d.Describe())
		}
	}
	return strings.Join(parts, ", ")
}
