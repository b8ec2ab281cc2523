package lostpaw

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/soundprediction/lostpaw"
	"github.com/soundprediction/lostpaw/pkg/config"
)

var predictCmd = &cobra.Command{
	Use:   "predict <image-a> <image-b>",
	Short: "Compare two images of pets",
	Long: `Embed two images and print their cosine similarity. The pets are reported
as the same when the similarity reaches eval.similarity_threshold.`,
	Args: cobra.ExactArgs(2),
	RunE: runPredict,
}

func init() {
	rootCmd.AddCommand(predictCmd)

	predictCmd.Flags().String("weights", "", "checkpoint file, or \"latest\"")
	predictCmd.Flags().Float64("threshold", 0, "cosine similarity threshold")
}

func overridePredictFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("weights") {
		cfg.Encoder.Weights, _ = cmd.Flags().GetString("weights")
	}
	if cmd.Flags().Changed("threshold") {
		cfg.Eval.SimilarityThreshold, _ = cmd.Flags().GetFloat64("threshold")
	}
}

func runPredict(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, overridePredictFlags)
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

	cmp, err := client.Compare(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	verdict := "different pets"
	if cmp.Same {
		verdict = "same pet"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "similarity %.4f (threshold %.2f): %s\n", cmp.Similarity, cmp.Threshold, verdict)
	return nil
}
