package hierarchy

import (
	"github.com/smallbiznis/partnerpay/internal/hierarchy/repository"
	"github.com/smallbiznis/partnerpay/internal/hierarchy/service"
	"go.uber.org/fx"
)

var Module = fx.Module("hierarchy.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
