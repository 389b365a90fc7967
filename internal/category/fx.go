package category

import "go.uber.org/fx"

var Module = fx.Module("category.registry",
	fx.Provide(Provide),
)
