package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/olympum/oarsman-bridge/internal/telemetry"
)

var workoutKind string

var workoutCmd = &cobra.Command{
	Use:   "workout",
	Short: "Start a workout against the connected device and record it until interrupted",
	Long: `
Starts a workout against the currently connected device and records its
telemetry to the local archive until interrupted (Ctrl-C), at which point
the workout is finalized and its summary printed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := telemetry.Kind(workoutKind)
		id, apiErr := svc.StartWorkout(context.Background(), kind)
		if apiErr != nil {
			return apiErr
		}
		jww.INFO.Printf("workout %s started\n", id)
		fmt.Printf("workout started: %s (Ctrl-C to finish)\n", id)

		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch

		jww.INFO.Printf("terminating workout %s (interrupt received)\n", id)
		summary, apiErr := svc.EndWorkout(context.Background())
		if apiErr != nil {
			return apiErr
		}
		fmt.Printf("workout %s finished: duration=%ds distance=%.1fm avg_power=%.0fW avg_hr=%.0fbpm\n",
			id, summary.DurationS, summary.TotalDistanceM, summary.AvgPowerW, summary.AvgHeartRateBPM)
		if summary.VO2MaxEligible && summary.VO2Max != nil {
			fmt.Printf("estimated VO2max: %.1f\n", *summary.VO2Max)
		}
		return nil
	},
}

func init() {
	workoutCmd.Flags().StringVar(&workoutKind, "kind", "bike", "equipment kind: bike or rower")
	rootCmd.AddCommand(workoutCmd)
}
