package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var requestCmd = &cobra.Command{
	Use:   "request <pgn>",
	Short: "Request one parameter group and print the response",
	Long: `Sends a J1939 PGN request (PGN 59904) to the configured destination
address and prints the first matching response. Responses longer than one
frame are reassembled by the transport protocol engine before printing.

The PGN accepts decimal or hex with 0x prefix, e.g. 65260 or 0xFEEC.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pgn, err := strconv.ParseUint(args[0], 0, 24)
		if err != nil {
			return fmt.Errorf("bad pgn %q: %w", args[0], err)
		}

		e, b, err := openEngine()
		if err != nil {
			return err
		}
		defer b.Close()
		defer e.Close()

		p, err := e.Request(uint32(pgn), cfg.DestinationAddress, cfg.Timeout())
		if err != nil {
			return err
		}
		fmt.Println(p)
		return nil
	},
}

var vinCmd = &cobra.Command{
	Use:   "vin",
	Short: "Read the vehicle identification number",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, b, err := openEngine()
		if err != nil {
			return err
		}
		defer b.Close()
		defer e.Close()

		vin, err := e.VIN(cfg.Timeout())
		if err != nil {
			return err
		}
		fmt.Println(vin)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(requestCmd)
	rootCmd.AddCommand(vinCmd)
}
