package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/octoprobe/octoprobe/pkg/power"
	"github.com/octoprobe/octoprobe/pkg/tentacle"
)

var powercycleCmd = &cobra.Command{
	Use:       "powercycle {infra|infraboot|dut|off}",
	Short:     "Power cycle tentacle USB ports",
	ValidArgs: []string{"infra", "infraboot", "dut", "off"},
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	Long: `Power cycles the selected tentacles into a defined state.

  infra      reboot the infra MCU into its firmware
  infraboot  reboot the infra MCU into boot mode, for firmware update
  dut        reboot infra and DUT
  off        switch everything off

Example:
  octoprobe powercycle infraboot --serial 3f31`,
	RunE: runPowercycle,
}

func init() {
	rootCmd.AddCommand(powercycleCmd)
}

func runPowercycle(cmd *cobra.Command, args []string) error {
	tentacles, err := queryTentacles(false)
	if err != nil {
		return err
	}
	for _, t := range tentacles {
		if err := powercycle(t, args[0]); err != nil {
			return err
		}
		log.Info().Str("tentacle", t.Label()).Str("mode", args[0]).Msg("power cycled")
	}
	return nil
}

func powercycle(t *tentacle.Tentacle, mode string) error {
	if err := t.PowerOff(); err != nil {
		return err
	}
	switch mode {
	case "off":
		return nil
	case "infra":
		time.Sleep(time.Second)
		_, err := t.Power.Set(power.LineInfra, true)
		return err
	case "infraboot":
		if _, err := t.Power.Set(power.LineInfraBoot, false); err != nil {
			return err
		}
		time.Sleep(time.Second)
		if _, err := t.Power.Set(power.LineInfra, true); err != nil {
			return err
		}
		time.Sleep(500 * time.Millisecond)
		_, err := t.Power.Set(power.LineInfraBoot, true)
		return err
	case "dut":
		time.Sleep(time.Second)
		return t.Power.SetMany(map[power.LineName]bool{
			power.LineInfra: true,
			power.LineDut:   true,
		})
	}
	return fmt.Errorf("unknown power cycle mode %q", mode)
}
