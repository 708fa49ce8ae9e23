package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/RenatoCabral2022/voicelink/internal/config"
	"github.com/RenatoCabral2022/voicelink/internal/logging"
)

// app carries what every subcommand needs once flags are parsed.
type app struct {
	cfg        *config.Config
	logger     *zap.Logger
	contextKey string
	backend    string
}

// NewRootCmd creates the root voicectl command.
func NewRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "voicectl",
		Short: "Talk to a realtime voice assistant from the terminal",
		Long: `voicectl opens a realtime voice session against a voicelink credential
endpoint, keeps the conversation in a durable session store, and resumes it
on the next run.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if a.backend != "" {
				cfg.Session.Backend = a.backend
			}
			if a.contextKey == "" {
				a.contextKey = cfg.Session.Key
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger, err := logging.New(logging.Options{
				Development: !cfg.IsProduction(),
				Level:       cfg.LogLevel,
				File:        cfg.LogFile,
			})
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&a.contextKey, "context", "", "session context name (default $SESSION_KEY)")
	root.PersistentFlags().StringVar(&a.backend, "session-backend", "", "session backend: memory, file, redis, postgres (default $SESSION_BACKEND)")

	root.AddCommand(
		newConnectCmd(a),
		newSessionCmd(a),
	)
	return root
}
