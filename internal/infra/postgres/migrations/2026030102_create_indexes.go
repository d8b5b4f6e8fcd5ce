package migrations

import (
	"context"

	"github.com/uptrace/bun"

	"blindtest-service/internal/infra/postgres"
)

var sessionIndexes = []struct {
	name  string
	model any
}{
	{"teams_session_id_idx", (*postgres.TeamRow)(nil)},
	{"rounds_session_id_idx", (*postgres.RoundRow)(nil)},
	{"questions_session_id_idx", (*postgres.QuestionRow)(nil)},
	{"joker_usages_session_id_idx", (*postgres.JokerRow)(nil)},
}

func init() {
	Migrations.MustRegister(
		func(ctx context.Context, db *bun.DB) error {
			for _, idx := range sessionIndexes {
				_, err := db.NewCreateIndex().Model(idx.model).Index(idx.name).Column("session_id").IfNotExists().Exec(ctx)
				if err != nil {
					return err
				}
			}
			return nil
		},
		func(ctx context.Context, db *bun.DB) error {
			for _, idx := range sessionIndexes {
				if _, err := db.NewDropIndex().Index(idx.name).IfExists().Exec(ctx); err != nil {
					return err
				}
			}
			return nil
		},
	)
}
