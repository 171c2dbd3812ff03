package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var includeSimulated bool

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Discover nearby fitness equipment",
	RunE: func(cmd *cobra.Command, args []string) error {
		devices, apiErr := svc.DiscoverDevices(context.Background(), 0, includeSimulated)
		if apiErr != nil {
			return apiErr
		}
		if len(devices) == 0 {
			fmt.Println("no devices found")
			return nil
		}
		for _, d := range devices {
			rssi := "n/a"
			if d.RSSI != nil {
				rssi = fmt.Sprintf("%d", *d.RSSI)
			}
			fmt.Printf("%-20s %-24s kind=%-8s rssi=%s origin=%s\n", d.Address, d.Name, d.Kind, rssi, d.Origin)
		}
		return nil
	},
}

func init() {
	scanCmd.Flags().BoolVar(&includeSimulated, "include-simulated", false, "include the simulated bike/rower entries")
	rootCmd.AddCommand(scanCmd)
}
