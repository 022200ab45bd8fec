package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load the model and manifest and run a test forward pass",
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.pipeline.WaitForReady(context.Background()); err != nil {
		return fmt.Errorf("model is not usable: %w", err)
	}

	manifest, _ := a.loader.Manifest()
	fmt.Printf("Model OK: %s\n", a.cfg.Model.Path)
	fmt.Printf("  Input:  %s %v\n", manifest.InputName, manifest.InputShape)
	fmt.Printf("  Output: %s\n", manifest.OutputName)
	fmt.Printf("  Labels: %s\n", strings.Join(manifest.Labels, ", "))
	return nil
}
