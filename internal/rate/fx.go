package rate

import (
	"github.com/smallbiznis/partnerpay/internal/rate/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("rate.repository",
	fx.Provide(repository.Provide),
)
