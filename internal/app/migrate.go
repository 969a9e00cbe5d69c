package app

import (
	"context"
	"errors"

	"github.com/FrankiePower/Reactive-autolend/internal/storage"
)

// Migrate applies the SQL files under database.migrations_path.
func (a *App) Migrate(ctx context.Context) error {
	if a.Config.Database.DSN == "" {
		return errors.New("database.dsn 未配置，无法执行迁移")
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	applied, err := storage.Migrate(ctx, pool, a.Config.Database.MigrationsPath)
	for _, name := range applied {
		a.Logger.Info().Str("file", name).Msg("migration applied")
	}
	return err
}
