package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	listLimit  int
	listOffset int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded workouts",
	RunE: func(cmd *cobra.Command, args []string) error {
		rows, apiErr := svc.ListWorkouts(context.Background(), listLimit, listOffset)
		if apiErr != nil {
			return apiErr
		}
		if len(rows) == 0 {
			fmt.Println("no workouts recorded")
			return nil
		}
		for _, r := range rows {
			end := "in progress"
			if r.EndT != nil {
				end = r.EndT.Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%s  %-8s %-8s state=%-9s start=%s end=%s\n",
				r.ID, r.Kind, r.DeviceName, r.State, r.StartT.Format("2006-01-02 15:04:05"), end)
		}
		return nil
	},
}

func init() {
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum workouts to list")
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "pagination offset")
	rootCmd.AddCommand(listCmd)
}
