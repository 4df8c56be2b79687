package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"deepscholar/internal/job"
)

// resumeCmd continues a paused or interrupted job from its checkpoint.
var resumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Resume a paused job from its last checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		deps, cleanup, err := buildDeps(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		m, err := job.Load(deps, args[0])
		if err != nil {
			return err
		}
		logger.Info("resuming job",
			zap.String("job_id", m.JobID()),
			zap.String("state", string(m.State())))

		return driveJob(cmd.Context(), m, deps.Emitter)
	},
}
