// Command oarsman-bridge is the operator-facing CLI: scan for FMS
// equipment, connect, run a workout, and export it as a FIT file. Command
// wiring follows the teacher's commands package idiom (spf13/cobra +
// spf13/viper + spf13/jwalterweatherman), generalized from a single
// workout command into the full operation set named in spec.md §6.
package main

import (
	"fmt"
	"os"

	"github.com/olympum/oarsman-bridge/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
