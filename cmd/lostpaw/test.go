package lostpaw

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/soundprediction/lostpaw"
	"github.com/soundprediction/lostpaw/pkg/config"
)

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Evaluate an encoder on held-out identities",
	Long: `Draw eval.batch_count batches of eval.batch_size pairs from the test info
file and print the averaged counts of each outcome.`,
	RunE: runTest,
}

func init() {
	rootCmd.AddCommand(testCmd)

	testCmd.Flags().String("weights", "", "checkpoint file, or \"latest\"")
	testCmd.Flags().String("test-info", "", "test info file inside the dataset directory")
	testCmd.Flags().Int("batches", 0, "number of test batches")
	testCmd.Flags().Int("batch-size", 0, "pairs per test batch")
	testCmd.Flags().Float64("threshold", 0, "distance below which a pair is the same pet")
}

func overrideTestFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("weights") {
		cfg.Encoder.Weights, _ = flags.GetString("weights")
	}
	if flags.Changed("test-info") {
		cfg.Data.TestInfoFile, _ = flags.GetString("test-info")
	}
	if flags.Changed("batches") {
		cfg.Eval.BatchCount, _ = flags.GetInt("batches")
	}
	if flags.Changed("batch-size") {
		cfg.Eval.BatchSize, _ = flags.GetInt("batch-size")
	}
	if flags.Changed("threshold") {
		cfg.Eval.Threshold, _ = flags.GetFloat64("threshold")
	}
}

func runTest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, overrideTestFlags)
	if err != nil {
		return err
	}
	logger, flush := setupLogger(cfg)
	defer flush()

	ctx, cancel := signalContext()
	defer cancel()

	client, err := lostpaw.NewClient(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	bar := newProgress("test", cfg.Eval.BatchCount)
	rates, err := client.Test(ctx, func(done int) { bar.Set(done, 0) })
	bar.Done()
	if err != nil {
		return fmt.Errorf("test failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "diff:  %.3f\n", rates.Diff)
	fmt.Fprintf(out, "err1:  %.3f\n", rates.Err1)
	fmt.Fprintf(out, "err2:  %.3f\n", rates.Err2)
	fmt.Fprintf(out, "same:  %.3f\n", rates.Same)
	fmt.Fprintf(out, "accuracy %.3f  precision %.3f  recall %.3f\n", rates.Accuracy(), rates.Precision(), rates.Recall())
	return nil
}
