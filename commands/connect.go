package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/olympum/oarsman-bridge/internal/telemetry"
)

var connectCmd = &cobra.Command{
	Use:   "connect <address>",
	Short: "Connect to a previously discovered device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		device := telemetry.Device{Address: args[0], Kind: telemetry.InferKind(args[0])}
		if err := svc.Connect(context.Background(), device); err != nil {
			return err
		}
		jww.INFO.Printf("connected to %s\n", args[0])
		fmt.Println("connected")
		return nil
	},
}

var disconnectCmd = &cobra.Command{
	Use:   "disconnect",
	Short: "Disconnect from the currently connected device",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := svc.Disconnect(context.Background()); err != nil {
			return err
		}
		fmt.Println("disconnected")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(disconnectCmd)
}
