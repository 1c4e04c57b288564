package health

import (
	"github.com/foxseedlab/teno/internal/health"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (health.Reporter, error) {
		return NewHostReporter(), nil
	})
}
