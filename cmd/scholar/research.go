package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"deepscholar/internal/acquire"
	"deepscholar/internal/config"
	"deepscholar/internal/courtesy"
	"deepscholar/internal/embedding"
	"deepscholar/internal/engine"
	"deepscholar/internal/job"
	"deepscholar/internal/llm"
	"deepscholar/internal/progress"
	"deepscholar/internal/store"
)

var outputPath string

// researchCmd starts a new research job.
var researchCmd = &cobra.Command{
	Use:   "research <prompt>",
	Short: "Run a research job for the given prompt",
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

		m, err := job.New(deps, args[0])
		if err != nil {
			return err
		}
		logger.Info("research job created", zap.String("job_id", m.JobID()))

		return driveJob(cmd.Context(), m, deps.Emitter)
	},
}

func init() {
	researchCmd.Flags().StringVarP(&outputPath, "output", "o", "", "write the report to this file instead of stdout")
	resumeCmd.Flags().StringVarP(&outputPath, "output", "o", "", "write the report to this file instead of stdout")
}

// buildDeps wires the pipeline from configuration.
func buildDeps(cfg *config.Config) (job.Deps, func(), error) {
	st, err := store.Open(filepath.Join(cfg.Workspace, cfg.Store.Path))
	if err != nil {
		return job.Deps{}, nil, err
	}

	model, err := llm.New(cfg.LLM.Provider, cfg.LLM.Model,
		cfg.LLM.GenAIAPIKey, cfg.LLM.AnthropicAPIKey,
		cfg.LLM.OllamaEndpoint, cfg.LLM.OllamaModel)
	if err != nil {
		st.Close()
		return job.Deps{}, nil, err
	}

	embedder, err := embedding.NewEngine(embedding.Config{
		Provider:       cfg.Embedding.Provider,
		OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
		OllamaModel:    cfg.Embedding.OllamaModel,
		GenAIAPIKey:    cfg.Embedding.GenAIAPIKey,
		GenAIModel:     cfg.Embedding.GenAIModel,
	})
	if err != nil {
		logger.Warn("embedding engine unavailable, retrieval is lexical-only", zap.Error(err))
		embedder = nil
	}

	var engines []engine.Adapter
	if cfg.Engines.DuckDuckGo {
		engines = append(engines, engine.NewDuckDuckGo("", cfg.Research.UserAgent))
	}
	if cfg.Engines.Wikipedia {
		engines = append(engines, engine.NewWikipedia("", cfg.Research.UserAgent))
	}
	if cfg.Engines.SearxNG {
		engines = append(engines, engine.NewSearxNG(cfg.Engines.SearxURL, cfg.Research.UserAgent))
	}

	deps := job.Deps{
		Store:    st,
		LLM:      model,
		Engines:  engines,
		Embedder: embedder,
		Policy: courtesy.NewPolicy(courtesy.Config{
			PerDomainSlots:  cfg.Courtesy.PerDomainSlots,
			BaseDelay:       cfg.Courtesy.BaseDelay,
			MaxJitter:       cfg.Courtesy.MaxJitter,
			FailureLimit:    cfg.Courtesy.FailureLimit,
			BreakerCooldown: cfg.Courtesy.BreakerCooldown,
		}),
		Cache:    acquire.NewFetchCache(500, 0),
		Emitter:  progress.NewEmitter(256),
		Research: cfg.Research,
	}
	return deps, func() { st.Close() }, nil
}

// driveJob runs the machine, streaming progress and handling Ctrl-C as a
// pause request (a second interrupt cancels).
func driveJob(ctx context.Context, m *job.Machine, emitter *progress.Emitter) error {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		interrupts := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				interrupts++
				if interrupts == 1 {
					logger.Info("pause requested; interrupt again to cancel")
					m.Pause()
				} else {
					logger.Warn("cancelling job")
					m.Cancel()
				}
			}
		}
	}()

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	events := emitter.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			logger.Info("progress",
				zap.String("state", ev.State),
				zap.String("step", ev.Step),
				zap.Int("sources", ev.SourcesFound),
				zap.Float64("coverage", ev.CoverageScore),
				zap.String("msg", ev.Message))
		case err := <-done:
			if err != nil {
				return err
			}
			return finishJob(m)
		}
	}
}

func finishJob(m *job.Machine) error {
	switch m.State() {
	case job.StateCompleted:
		rep := m.Report()
		if outputPath != "" {
			if err := os.WriteFile(outputPath, []byte(rep), 0o644); err != nil {
				return fmt.Errorf("failed to write report: %w", err)
			}
			logger.Info("report written", zap.String("path", outputPath))
			return nil
		}
		fmt.Println(rep)
		return nil
	case job.StatePaused:
		logger.Info("job paused; resume with: scholar resume "+m.JobID(),
			zap.String("job_id", m.JobID()))
		return nil
	case job.StateCancelled:
		logger.Info("job cancelled", zap.String("job_id", m.JobID()))
		return nil
	default:
		return fmt.Errorf("job ended in unexpected state %s", m.State())
	}
}
