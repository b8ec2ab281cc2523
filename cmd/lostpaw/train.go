package lostpaw

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/soundprediction/lostpaw"
	"github.com/soundprediction/lostpaw/pkg/config"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train the encoder with cross-validation",
	Long: `Train the encoder on the dataset in data.dir.

Each fold holds out a share of the identities for validation, trains for
train.steps_per_fold steps and writes checkpoints to checkpoint.dir. With
--resume the newest checkpoint is restored and training continues with the
same batches an uninterrupted run would have drawn.`,
	RunE: runTrain,
}

func init() {
	rootCmd.AddCommand(trainCmd)

	trainCmd.Flags().String("run-id", "", "run identifier (random when empty)")
	trainCmd.Flags().Bool("resume", false, "resume from the newest checkpoint")
	trainCmd.Flags().String("resume-from", "", "resume from this checkpoint file")
	trainCmd.Flags().Uint64("seed", 0, "random seed")
	trainCmd.Flags().Int("batch-size", 0, "pairs per batch")
	trainCmd.Flags().Int("steps", 0, "steps per fold")
	trainCmd.Flags().Int("folds", 0, "number of cross-validation folds")
	trainCmd.Flags().String("pair-file", "", "train from a precomputed pair file")
	trainCmd.Flags().String("metrics-path", "", "directory for parquet step metrics")
}

func overrideTrainFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("resume") {
		cfg.Train.Resume, _ = flags.GetBool("resume")
	}
	if flags.Changed("seed") {
		cfg.Train.Seed, _ = flags.GetUint64("seed")
	}
	if flags.Changed("batch-size") {
		cfg.Train.BatchSize, _ = flags.GetInt("batch-size")
	}
	if flags.Changed("steps") {
		cfg.Train.StepsPerFold, _ = flags.GetInt("steps")
	}
	if flags.Changed("folds") {
		cfg.Train.CrossValidationFolds, _ = flags.GetInt("folds")
	}
	if flags.Changed("pair-file") {
		cfg.Data.PairFile, _ = flags.GetString("pair-file")
	}
	if flags.Changed("metrics-path") {
		cfg.Telemetry.MetricsPath, _ = flags.GetString("metrics-path")
	}
}

func runTrain(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, overrideTrainFlags)
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

	runID, _ := cmd.Flags().GetString("run-id")
	resumeFrom, _ := cmd.Flags().GetString("resume-from")
	res, err := client.Train(ctx, &lostpaw.TrainOptions{RunID: runID, ResumeFrom: resumeFrom})
	if errors.Is(err, context.Canceled) {
		logger.Info("Training interrupted, resume with --resume")
		return nil
	}
	if err != nil {
		return fmt.Errorf("training failed: %w", err)
	}

	out := cmd.OutOrStdout()
	if res.ResumedFrom != "" {
		fmt.Fprintf(out, "resumed from %s\n", res.ResumedFrom)
	}
	fmt.Fprintf(out, "run %s finished after %d steps\n", res.RunID, res.Steps)
	for _, f := range res.Folds {
		fmt.Fprintf(out, "fold %d: mean loss %.4f, last loss %.4f", f.Fold, f.MeanLoss, f.LastLoss)
		if f.Evaluated {
			fmt.Fprintf(out, ", validation accuracy %.3f", f.Validation.Accuracy())
		}
		fmt.Fprintln(out)
	}
	return nil
}
