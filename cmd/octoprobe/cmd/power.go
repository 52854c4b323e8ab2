package cmd

import (
	"github.com/spf13/cobra"

	"github.com/octoprobe/octoprobe/pkg/power"
)

var (
	powerOnLines  []string
	powerOffLines []string
	powerSetOff   bool
)

var powerCmd = &cobra.Command{
	Use:   "power",
	Short: "Switch power lines on or off",
	Long: `Switches individual power lines of the selected tentacles.

Line names: infra, infraboot, dut, probe, led_active, led_error.
'--set-off' first switches everything off (boot button released), the
'--on'/'--off' requests are applied on top.

Examples:
  octoprobe power --off dut
  octoprobe power --set-off --on infra --serial 3f31`,
	RunE: runPower,
}

func init() {
	rootCmd.AddCommand(powerCmd)
	powerCmd.Flags().StringSliceVar(&powerOnLines, "on", nil, "lines to switch on")
	powerCmd.Flags().StringSliceVar(&powerOffLines, "off", nil, "lines to switch off")
	powerCmd.Flags().BoolVar(&powerSetOff, "set-off", false, "switch everything off first")
}

func runPower(cmd *cobra.Command, args []string) error {
	tentacles, err := queryTentacles(false)
	if err != nil {
		return err
	}

	requests := map[power.LineName]bool{}
	for _, name := range powerOnLines {
		requests[power.LineName(name)] = true
	}
	for _, name := range powerOffLines {
		requests[power.LineName(name)] = false
	}

	for _, t := range tentacles {
		if powerSetOff {
			if err := t.PowerOff(); err != nil {
				return err
			}
		}
		if err := t.Power.SetMany(requests); err != nil {
			return err
		}
		log.Info().Str("tentacle", t.Label()).Msg("power lines set")
	}
	return nil
}
