package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/octoprobe/octoprobe/pkg/bench"
	"github.com/octoprobe/octoprobe/pkg/flash"
	"github.com/octoprobe/octoprobe/pkg/power"
	"github.com/octoprobe/octoprobe/pkg/subproc"
	"github.com/octoprobe/octoprobe/pkg/tentacle"
	"github.com/octoprobe/octoprobe/pkg/udev"
)

var bootmodeConfig string

var bootmodeCmd = &cobra.Command{
	Use:   "bootmode",
	Short: "Bring DUT boards into boot mode",
	Long: `Reboots the DUT of each selected tentacle into its bootloader and
reports where it enumerated. Requires the testbed config to know which
board sits in the DUT position.

Example:
  octoprobe bootmode --config testbed.yaml --serial 3f31`,
	RunE: runBootmode,
}

func init() {
	rootCmd.AddCommand(bootmodeCmd)
	bootmodeCmd.Flags().StringVarP(&bootmodeConfig, "config", "c", "testbed.yaml",
		"testbed config file")
	bootmodeCmd.MarkFlagRequired("config")
}

func runBootmode(cmd *cobra.Command, args []string) error {
	cfg, err := bench.LoadConfig(bootmodeConfig)
	if err != nil {
		return err
	}
	tentacles, err := queryTentacles(false)
	if err != nil {
		return err
	}
	poller, err := udev.NewNetlinkPoller(log)
	if err != nil {
		return err
	}
	defer poller.Close()

	for _, t := range tentacles {
		if !t.Resolved() {
			continue
		}
		t.Spec = cfg.SpecFor(t.Serial)
		if t.Spec == nil {
			log.Warn().Str("serial", tentacle.SerialDelimited(t.Serial)).
				Msg("tentacle not in testbed config, skipping")
			continue
		}
		target, err := dutTarget(t, poller)
		if err != nil {
			return err
		}
		boot, err := flash.EnterBootMode(target)
		if err != nil {
			return err
		}
		fmt.Printf("%s: bootloader on bus %03d device %03d\n", t.Label(), boot.BusNum, boot.DevNum)
	}
	return nil
}

// dutTarget binds the DUT position of a tentacle to a flashable target.
func dutTarget(t *tentacle.Tentacle, poller *udev.Poller) (*flash.Target, error) {
	usbID, err := t.Spec.USBID()
	if err != nil {
		return nil, err
	}
	return &flash.Target{
		Label:          t.Label(),
		USBLocation:    t.DutLocation().Short(),
		USBID:          usbID,
		ProgrammerArgs: t.Spec.ProgrammerArgs,
		PowerLine:      power.LineDut,
		BootLine:       power.LineInfraBoot,
		Power:          t.Power,
		Poller:         poller,
		Runner:         subproc.ExecRunner{Log: t.Log},
		Mounts:         udev.MountTable{},
		Log:            t.Log,
	}, nil
}
