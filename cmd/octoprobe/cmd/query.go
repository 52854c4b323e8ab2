package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var queryPowerOn bool

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "List connected tentacles",
	Long: `Enumerates the USB hubs of all connected tentacles and reads the serial
of each infra MCU.

An infra MCU that is unpowered or stuck in boot mode cannot report its
serial; the tentacle is then listed as unresolved. '--poweron' power
cycles the infra MCUs first, which resolves most of these cases.`,
	RunE: runQuery,
}

func init() {
	rootCmd.AddCommand(queryCmd)
	queryCmd.Flags().BoolVar(&queryPowerOn, "poweron", false,
		"power cycle infra MCUs before querying")
}

func runQuery(cmd *cobra.Command, args []string) error {
	tentacles, err := queryTentacles(queryPowerOn)
	if err != nil {
		return err
	}
	if len(tentacles) == 0 {
		fmt.Println("no tentacles connected")
		return nil
	}
	for _, t := range tentacles {
		fmt.Println(t.Label())
	}
	return nil
}
