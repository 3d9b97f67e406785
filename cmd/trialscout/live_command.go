package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lahnstrom/trialscout/internal/classify"
	"github.com/lahnstrom/trialscout/internal/discovery"
	"github.com/lahnstrom/trialscout/internal/live"
	"github.com/lahnstrom/trialscout/internal/store"
	"github.com/lahnstrom/trialscout/internal/trialid"
)

func newLiveCommand() *cobra.Command {
	var (
		outputDir          string
		localRegistrations string
		retryErrors        bool
	)

	cmd := &cobra.Command{
		Use:   "live <trial-id>",
		Short: "Run discovery and classification synchronously for one trial",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			trialID := trialid.Normalize(args[0])
			if !trialid.Valid(trialID) {
				return fmt.Errorf("unrecognized trial id %q", args[0])
			}

			app, err := newAppContext(cmd, outputDir)
			if err != nil {
				return err
			}
			defer app.Close()

			completer, err := app.completerFor(app.cfg.Models.Results)
			if err != nil {
				return err
			}
			queryCompleter, err := app.completerFor(app.cfg.Models.QueryV1)
			if err != nil {
				return err
			}

			pool := discovery.NewQueryPool(app.store)
			provider := &discovery.LiveQueryProvider{
				Completer:      queryCompleter,
				Pool:           pool,
				ModelV1:        app.cfg.Models.QueryV1,
				ModelV2:        app.cfg.Models.QueryV2,
				EffortV1:       effort(app.cfg.Reasoning.QueryV1),
				EffortV2:       effort(app.cfg.Reasoning.QueryV2),
				SystemPromptV1: app.promptV1,
				SystemPromptV2: app.promptV2,
				MaxTokensV1:    app.cfg.Batch.MaxTokensQueryV1,
				MaxTokensV2:    app.cfg.Batch.MaxTokensQueryV2,
			}
			strategies, err := app.strategies(app.cfg.Batch.Strategies, provider, app.websearchClient())
			if err != nil {
				return err
			}

			runner := &live.Runner{
				Registrations: store.NewRegistrations(app.store, app.fetcher(localRegistrations)),
				Engine: &discovery.Engine{
					Strategies: strategies,
					Pubmed:     app.pubmed,
					Cache:      app.store,
					Logger:     app.logger,
				},
				Classifier:      app.classifier(completer),
				Classifications: classify.NewStore(app.store),
				RetryErrors:     retryErrors,
				Logger:          app.logger,
			}

			result, err := runner.Run(cmd.Context(), trialID)
			if err != nil {
				return err
			}
			path, err := live.WriteResult(outputDir, result)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "trial %s: tool_results=%t result_pmids=%v (%s)\n",
				trialID, result.ToolResults, result.ToolResultPMIDs, path)
			return nil
		},
	}

	cmd.Flags().StringVar(&outputDir, "output-dir", "trialscout-out", "directory for results and caches")
	cmd.Flags().StringVar(&localRegistrations, "local-registrations", "", "directory of pre-fetched {trialId}.json ctgov records")
	cmd.Flags().BoolVar(&retryErrors, "retry-errors", false, "re-classify pairs whose stored classification failed")
	return cmd
}
