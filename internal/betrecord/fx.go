package betrecord

import (
	"github.com/smallbiznis/partnerpay/internal/betrecord/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("betrecord.source",
	fx.Provide(repository.Provide),
	fx.Provide(repository.NewSource),
)
