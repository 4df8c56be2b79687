package main

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"deepscholar/internal/job"
	"deepscholar/internal/store"
)

// statusCmd lists jobs and their checkpointed progress.
var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show job status, or all jobs when no id is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		st, err := store.Open(filepath.Join(cfg.Workspace, cfg.Store.Path))
		if err != nil {
			return err
		}
		defer st.Close()

		if len(args) == 1 {
			return printJob(cmd, st, args[0])
		}
		return printAllJobs(cmd, st)
	},
}

func printJob(cmd *cobra.Command, st *store.Store, id string) error {
	rec, err := st.GetJob(id)
	if err != nil {
		return err
	}
	cp, err := job.LoadCheckpoint(rec.Checkpoint)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Job:        %s\n", rec.ID)
	fmt.Fprintf(out, "Prompt:     %s\n", rec.Prompt)
	fmt.Fprintf(out, "State:      %s\n", cp.State)
	if cp.State == job.StatePaused {
		fmt.Fprintf(out, "Resumes at: %s\n", cp.ResumeState)
	}
	fmt.Fprintf(out, "Iteration:  %d\n", cp.Iteration)
	fmt.Fprintf(out, "Sources:    %d acquired, %d failed\n", cp.SourcesAcquired, cp.SourcesFailed)
	if cp.Assessment != nil {
		fmt.Fprintf(out, "Coverage:   %.0f%% (%d/%d answered)\n",
			cp.Assessment.Score*100, cp.Assessment.Answered(), len(cp.Assessment.Verdicts))
	}
	if cp.GroundingScore > 0 {
		fmt.Fprintf(out, "Grounding:  %.0f%%\n", cp.GroundingScore*100)
	}
	if cp.FailedErr != "" {
		fmt.Fprintf(out, "Error:      %s\n", cp.FailedErr)
	}
	fmt.Fprintf(out, "Updated:    %s\n", rec.UpdatedAt.Format("2006-01-02 15:04:05"))
	return nil
}

func printAllJobs(cmd *cobra.Command, st *store.Store) error {
	jobs, err := st.ListJobs()
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No jobs yet. Start one with: scholar research \"<prompt>\"")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tSTATE\tUPDATED\tPROMPT")
	for _, j := range jobs {
		prompt := j.Prompt
		if len(prompt) > 60 {
			prompt = prompt[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			j.ID, j.State, j.UpdatedAt.Format("2006-01-02 15:04"), prompt)
	}
	return w.Flush()
}
