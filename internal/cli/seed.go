package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"blindtest-service/internal/app"
	"blindtest-service/internal/config"
	"blindtest-service/internal/domain"
)

// NewSeedCmd creates a demo session in the configured store.
func NewSeedCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Create a demo session with teams and questions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.Store.Driver == config.DriverMemory {
				return fmt.Errorf("seeding the memory store is pointless; configure sqlite or postgres")
			}
			st, err := buildStack(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			session, err := seedSession(cmd.Context(), st.engine)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), session.ID)
			return err
		},
	}
}

var demoTeams = []struct {
	name  string
	score int
}{
	{"Les Rockeurs", 450},
	{"Team Melody", 420},
	{"Sound Masters", 380},
}

var demoQuestions = []domain.QuestionSpec{
	{
		Kind:          domain.KindBuzzer,
		Prompt:        "Quel est ce titre ?",
		CorrectAnswer: "Bohemian Rhapsody",
		Points:        100,
		Duration:      30,
		AudioRef:      "audio/bohemian-rhapsody.mp3",
	},
	{
		Kind:          domain.KindMultipleChoice,
		Prompt:        "Quel est ce titre ?",
		Choices:       []string{"Imagine", "Yesterday", "Let It Be", "Hey Jude"},
		CorrectAnswer: "Imagine",
		Points:        50,
		Duration:      20,
		AudioRef:      "audio/imagine.mp3",
	},
}

func seedSession(ctx context.Context, engine *app.Engine) (*domain.Session, error) {
	session, err := engine.CreateSession(ctx, app.CreateSessionInput{ProjectName: "MusicArena #1", MaxTeams: 8})
	if err != nil {
		return nil, err
	}
	for _, t := range demoTeams {
		team, err := engine.AddTeam(ctx, session.ID, t.name)
		if err != nil {
			return nil, fmt.Errorf("add team %s: %w", t.name, err)
		}
		if _, err := engine.AdjustScore(ctx, session.ID, team.ID, t.score); err != nil {
			return nil, fmt.Errorf("score team %s: %w", t.name, err)
		}
	}
	roundID := session.Rounds[0].ID
	for _, q := range demoQuestions {
		if _, err := engine.AddQuestion(ctx, session.ID, roundID, q); err != nil {
			return nil, fmt.Errorf("add question: %w", err)
		}
	}
	return engine.Snapshot(ctx, session.ID)
}
