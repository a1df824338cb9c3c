package di

import (
	"github.com/savaki/run-deployer/internal/services"
	"github.com/savaki/run-deployer/internal/setup"
)

// ProvideParameterStoreFactory returns the factory setup uses to open its parameter source.
// The source is only known once flags are parsed, and the SSM client is only built for ssm:// sources.
func ProvideParameterStoreFactory() setup.ParameterStoreFactory {
	return services.NewParameterStore
}
