package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/octoprobe/octoprobe/pkg/bench"
	"github.com/octoprobe/octoprobe/pkg/firmware"
)

var (
	flashConfig   string
	flashFirmware string
	flashForce    bool
)

var flashCmd = &cobra.Command{
	Use:   "flash",
	Short: "Flash firmware to DUT boards",
	Long: `Flashes the DUT of each selected tentacle with the firmware named by
'--firmware', or by the tentacle's firmware_spec entry in the testbed
config. A board already running the expected version is skipped unless
'--force' is given.

Examples:
  octoprobe flash --config testbed.yaml
  octoprobe flash --config testbed.yaml --firmware RPI_PICO2_W.json --force`,
	RunE: runFlash,
}

func init() {
	rootCmd.AddCommand(flashCmd)
	flashCmd.Flags().StringVarP(&flashConfig, "config", "c", "testbed.yaml",
		"testbed config file")
	flashCmd.Flags().StringVarP(&flashFirmware, "firmware", "f", "",
		"firmware spec file, overrides the testbed config")
	flashCmd.Flags().BoolVar(&flashForce, "force", false,
		"flash even when the expected version is already installed")
	flashCmd.MarkFlagRequired("config")
}

func runFlash(cmd *cobra.Command, args []string) error {
	cfg, err := bench.LoadConfig(flashConfig)
	if err != nil {
		return err
	}
	session, err := bench.NewSession(cfg, bench.Options{
		Journal: true,
		Serials: serials,
	}, log)
	if err != nil {
		return err
	}
	defer session.Close()
	defer session.Teardown()

	log.Info().Str("results", session.ResultDir).Msg("session started")

	cache := &firmware.Cache{}
	for _, t := range session.Tentacles {
		if t.Spec == nil {
			continue
		}
		specPath := flashFirmware
		if specPath == "" {
			specPath = cfg.FirmwareSpecFor(t.Serial)
		}
		if specPath == "" {
			log.Warn().Str("tentacle", t.Label()).Msg("no firmware configured, skipping")
			continue
		}
		fwSpec, err := firmware.LoadSpec(specPath)
		if err != nil {
			return err
		}
		if _, err := cache.Resolve(fwSpec); err != nil {
			return err
		}
		if err := session.Setup(t); err != nil {
			return err
		}
		if err := session.FlashTentacle(t, fwSpec, flashForce); err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", t.Label(), fwSpec.BoardVariant)
	}
	return nil
}
