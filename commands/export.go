package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var exportFitCmd = &cobra.Command{
	Use:   "export-fit <workout-id> <output.fit>",
	Short: "Export a completed workout as a Garmin FIT activity file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, apiErr := svc.ExportFit(context.Background(), args[0])
		if apiErr != nil {
			return apiErr
		}
		if err := os.WriteFile(args[1], data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", args[1], err)
		}
		fmt.Printf("wrote %s (%d bytes)\n", args[1], len(data))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(exportFitCmd)
}
