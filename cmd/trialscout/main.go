package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/lahnstrom/trialscout/internal/batch"
)

// Exit codes. Daily budget exhaustion still exits 1, but with a message that
// distinguishes "retryable tomorrow" from a genuine failure.
const (
	exitOK    = 0
	exitFatal = 1
)

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "trialscout",
		Short:         "Link clinical-trial registrations to their result publications",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to trialscout.yaml")
	root.PersistentFlags().Bool("debug", false, "enable debug logging")

	root.AddCommand(newBatchCommand())
	root.AddCommand(newLiveCommand())

	if err := root.Execute(); err != nil {
		if batch.IsDailyBudgetExhausted(err) {
			fmt.Fprintf(os.Stderr, "trialscout: %v\n", err)
			os.Exit(exitFatal)
		}
		fmt.Fprintf(os.Stderr, "trialscout: error: %v\n", err)
		os.Exit(exitFatal)
	}
	os.Exit(exitOK)
}

func requiredEnv(name string) (string, error) {
	v := os.Getenv(name)
	if v == "" {
		return "", errors.New("missing required env var " + name)
	}
	return v, nil
}
