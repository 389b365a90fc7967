package cycle

import (
	"time"

	"github.com/smallbiznis/partnerpay/internal/category"
	"github.com/smallbiznis/partnerpay/internal/config"
)

type Resolver struct {
	registry *category.Registry
	loc      *time.Location
	testMode func() bool
}

type Option func(*Resolver)

// WithTestMode makes PreviousCompleted return the in-progress cycle.
func WithTestMode(enabled func() bool) Option {
	return func(r *Resolver) {
		if enabled != nil {
			r.testMode = enabled
		}
	}
}

func WithLocation(loc *time.Location) Option {
	return func(r *Resolver) {
		if loc != nil {
			r.loc = loc
		}
	}
}

func NewResolver(registry *category.Registry, opts ...Option) *Resolver {
	r := &Resolver{
		registry: registry,
		loc:      time.UTC,
		testMode: func() bool { return false },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func ProvideResolver(registry *category.Registry, holder *config.CommissionConfigHolder) *Resolver {
	return NewResolver(registry, WithTestMode(func() bool {
		return holder.Get().TestMode
	}))
}

// Resolve returns the cycle of the named category containing ref.
func (r *Resolver) Resolve(name string, ref time.Time) (Cycle, error) {
	c, err := r.registry.Lookup(name)
	if err != nil {
		return Cycle{}, err
	}
	return r.Current(c, ref), nil
}

func (r *Resolver) Current(c category.Category, ref time.Time) Cycle {
	return ForType(c.CycleType, ref, r.loc)
}

// PreviousCompleted returns the latest fully elapsed cycle before today's.
func (r *Resolver) PreviousCompleted(name string, today time.Time) (Cycle, error) {
	c, err := r.registry.Lookup(name)
	if err != nil {
		return Cycle{}, err
	}
	return r.PreviousCompletedFor(c, today), nil
}

func (r *Resolver) PreviousCompletedFor(c category.Category, today time.Time) Cycle {
	current := ForType(c.CycleType, today, r.loc)
	if r.testMode() {
		return current
	}
	return Prev(c.CycleType, current)
}

func (r *Resolver) TestMode() bool {
	return r.testMode()
}

func (r *Resolver) Categories() []category.Category {
	return r.registry.All()
}

func (r *Resolver) Category(name string) (category.Category, error) {
	return r.registry.Lookup(name)
}
