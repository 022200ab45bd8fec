package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/Brownie44l1/fer-api/internal/emotion"
)

var detectCmd = &cobra.Command{
	Use:   "detect FILE...",
	Short: "Detect the facial emotion in image files",
	Long: `Run the model on one or more image files (JPEG, PNG, GIF, BMP, TIFF,
WebP) and print the predicted emotion for each.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDetect,
}

func init() {
	rootCmd.AddCommand(detectCmd)

	detectCmd.Flags().Bool("json", false, "Print one JSON object per file")
}

type detection struct {
	File   string          `json:"file"`
	Result *emotion.Result `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func runDetect(cmd *cobra.Command, args []string) error {
	asJSON := mustGetBool(cmd, "json")

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	if err := a.pipeline.WaitForReady(ctx); err != nil {
		return fmt.Errorf("loading model: %w", err)
	}

	var bar *progressbar.ProgressBar
	if len(args) > 1 {
		bar = progressbar.NewOptions(len(args),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("Detecting emotions"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("images"),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionFullWidth(),
		)
	}

	detections := make([]detection, 0, len(args))
	failed := 0
	for _, path := range args {
		d := detectFile(ctx, a, path)
		if d.Error != "" {
			failed++
		}
		detections = append(detections, d)
		if bar != nil {
			bar.Add(1)
		}
	}
	if bar != nil {
		bar.Finish()
		fmt.Fprintln(os.Stderr)
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		for _, d := range detections {
			if err := enc.Encode(d); err != nil {
				return err
			}
		}
	} else {
		for _, d := range detections {
			printDetection(d)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d images failed", failed, len(args))
	}
	return nil
}

func detectFile(ctx context.Context, a *app, path string) detection {
	raw, _, err := a.decoder.DecodeFile(path)
	if err != nil {
		return detection{File: path, Error: err.Error()}
	}
	result, err := a.pipeline.DetectEmotion(ctx, raw)
	if err != nil {
		return detection{File: path, Error: err.Error()}
	}
	return detection{File: path, Result: &result}
}

func printDetection(d detection) {
	if d.Error != "" {
		fmt.Printf("%s: error: %s\n", d.File, d.Error)
		return
	}
	fmt.Printf("%s: %s (%.1f%%)\n", d.File, d.Result.Emotion, d.Result.Confidence*100)
	for _, s := range d.Result.Ranked {
		fmt.Printf("  %-10s %.4f\n", s.Label, s.Score)
	}
}
