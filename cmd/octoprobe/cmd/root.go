package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/octoprobe/octoprobe/pkg/logutil"
	"github.com/octoprobe/octoprobe/pkg/tentacle"
)

var (
	// Global flags
	verbose bool
	serials []string

	log zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "octoprobe",
	Short: "Test bench controller for tentacle fixtures",
	Long: `Controls a bench of tentacle fixtures over USB: discovers connected
tentacles, switches their power lines and relays, brings boards into
boot mode and flashes firmware.

Examples:
  octoprobe query                                   # List connected tentacles
  octoprobe query --poweron                         # Power up unresponsive infra MCUs first
  octoprobe powercycle dut --serial e46340474b4c3f31
  octoprobe flash --config testbed.yaml --firmware RPI_PICO.json`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log = logutil.New(verbose)
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringSliceVarP(&serials, "serial", "s", nil,
		"select tentacles by serial (full, delimited or last 4 digits; repeatable)")
}

// queryTentacles discovers the connected tentacles and applies the --serial
// selection.
func queryTentacles(powerOn bool) ([]*tentacle.Tentacle, error) {
	inv := tentacle.NewInventory(log)
	tentacles, err := inv.Query(powerOn)
	if err != nil {
		return nil, err
	}
	return tentacle.Select(tentacles, serials), nil
}
