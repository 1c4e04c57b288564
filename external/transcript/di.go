package transcript

import (
	"context"
	"fmt"
	"time"

	"github.com/foxseedlab/teno/internal/config"
	"github.com/foxseedlab/teno/internal/transcript"
	"github.com/redis/go-redis/v9"
	"github.com/samber/do/v2"
)

const redisInitTimeout = 10 * time.Second

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*redis.Client, error) {
		cfg := do.MustInvoke[*config.Config](i)
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		client := redis.NewClient(opts)

		ctx, cancel := context.WithTimeout(context.Background(), redisInitTimeout)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return client, nil
	})
	do.Provide(injector, func(i do.Injector) (transcript.Store, error) {
		client := do.MustInvoke[*redis.Client](i)
		return NewRedisStore(client), nil
	})
}
