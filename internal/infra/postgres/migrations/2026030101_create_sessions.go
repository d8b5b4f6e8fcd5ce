package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"blindtest-service/internal/infra/postgres"
)

func init() {
	Migrations.MustRegister(
		func(ctx context.Context, db *bun.DB) error {
			for _, model := range postgres.Models() {
				if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
					return fmt.Errorf("create %T: %w", model, err)
				}
			}
			return nil
		},
		func(ctx context.Context, db *bun.DB) error {
			models := postgres.Models()
			for i := len(models) - 1; i >= 0; i-- {
				if _, err := db.NewDropTable().Model(models[i]).IfExists().Exec(ctx); err != nil {
					return err
				}
			}
			return nil
		},
	)
}
