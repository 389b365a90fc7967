package scheduler

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Invoke(registerLifecycle),
)

func registerLifecycle(lc fx.Lifecycle, sched *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			// the start context is cancelled once fx finishes starting
			return sched.Start(context.Background())
		},
		OnStop: func(context.Context) error {
			return sched.Stop()
		},
	})
}
