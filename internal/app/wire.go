//go:build wireinject

package app

import (
	"github.com/google/wire"
	"github.com/gowvp/caprid/internal/conf"
	"github.com/gowvp/caprid/internal/data"
	"github.com/gowvp/caprid/internal/web/api"
)

func wireApp(bc *conf.Bootstrap) (*Service, func(), error) {
	panic(wire.Build(data.ProviderSet, api.ProviderSet, wire.Struct(new(Service), "*")))
}
