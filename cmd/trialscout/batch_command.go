package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/lahnstrom/trialscout/internal/batch"
	"github.com/lahnstrom/trialscout/internal/classify"
	"github.com/lahnstrom/trialscout/internal/discovery"
	"github.com/lahnstrom/trialscout/internal/store"
)

func newBatchCommand() *cobra.Command {
	var (
		input              string
		outputDir          string
		delimiter          string
		pollInterval       int
		validationRun      bool
		localRegistrations string
		stepByStep         bool
		queryPoolV1        string
		queryPoolV2        string
	)

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run the staged batch pipeline over a trial dataset",
		Long:  "Drives every trial of the input dataset through the state machine:\n  " + batch.FormatStageList(),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newAppContext(cmd, outputDir)
			if err != nil {
				return err
			}
			defer app.Close()

			// One driver per progress file; a second concurrent driver is
			// undefined behavior, so take an exclusive lock.
			lock := flock.New(filepath.Join(outputDir, "progress.lock"))
			locked, err := lock.TryLock()
			if err != nil {
				return err
			}
			if !locked {
				return fmt.Errorf("another trialscout batch run holds %s", lock.Path())
			}
			defer lock.Unlock()

			delim := ','
			if delimiter != "" {
				delim = rune(delimiter[0])
			}
			rows, err := batch.ReadInput(input, delim)
			if err != nil {
				return err
			}

			pool := discovery.NewQueryPool(app.store)
			for _, p := range []struct {
				dir string
				v2  bool
			}{{queryPoolV1, false}, {queryPoolV2, true}} {
				if p.dir == "" {
					continue
				}
				n, err := pool.ImportDir(p.dir, p.v2)
				if err != nil {
					return err
				}
				app.logger.Sugar().Infof("imported %d prepared query bundles from %s", n, p.dir)
			}

			service, err := app.openAICompleter()
			if err != nil {
				return err
			}
			provider := &discovery.PoolQueryProvider{Pool: pool}
			strategies, err := app.strategies(app.cfg.Batch.Strategies, provider, app.websearchClient())
			if err != nil {
				return err
			}

			orch := &batch.Orchestrator{
				Config:        app.cfg,
				Rows:          rows,
				InputPath:     input,
				OutputDir:     outputDir,
				ProgressPath:  filepath.Join(outputDir, "progress.json"),
				PollInterval:  time.Duration(pollInterval) * time.Second,
				ValidationRun: validationRun,
				StepByStep:    stepByStep,

				Registrations:   store.NewRegistrations(app.store, app.fetcher(localRegistrations)),
				Engine:          &discovery.Engine{Strategies: strategies, Pubmed: app.pubmed, Cache: app.store, Logger: app.logger},
				Pool:            pool,
				Classifier:      app.classifier(nil),
				Classifications: classify.NewStore(app.store),
				Service:         service,
				Meter:           app.meter,

				SystemPromptV1: app.promptV1,
				SystemPromptV2: app.promptV2,

				Logger: app.logger,
			}

			runErr := orch.Run(cmd.Context())
			if p := orch.Progress(); p != nil {
				summary := batch.BuildRunSummary(p, time.Now())
				summary.Render(os.Stdout)
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&input, "input", "", "driving dataset (CSV) with a trial id column")
	cmd.Flags().StringVar(&outputDir, "output-dir", "trialscout-out", "directory for progress, chunks, and results")
	cmd.Flags().StringVar(&delimiter, "delimiter", ",", "input field delimiter")
	cmd.Flags().IntVar(&pollInterval, "poll-interval", 60, "batch poll interval in seconds")
	cmd.Flags().BoolVar(&validationRun, "validation-run", false, "apply per-dataset max-date cutoffs")
	cmd.Flags().StringVar(&localRegistrations, "local-registrations", "", "directory of pre-fetched {trialId}.json ctgov records")
	cmd.Flags().BoolVar(&stepByStep, "step-by-step", false, "stop after each completed stage")
	cmd.Flags().StringVar(&queryPoolV1, "query-pool", "", "directory of prepared v1 query bundles")
	cmd.Flags().StringVar(&queryPoolV2, "query-pool-v2", "", "directory of prepared v2 query bundles")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}
