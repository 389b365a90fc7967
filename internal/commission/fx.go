package commission

import (
	"github.com/smallbiznis/partnerpay/internal/commission/aggregator"
	"github.com/smallbiznis/partnerpay/internal/commission/processor"
	"github.com/smallbiznis/partnerpay/internal/commission/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("commission.service",
	fx.Provide(repository.Provide),
	fx.Provide(processor.New),
	fx.Provide(aggregator.New),
)
