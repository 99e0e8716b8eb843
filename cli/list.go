package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vehiclelink/canadapter/driver"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed RP1210 vendor APIs and their J1939 devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		products, err := driver.ListProducts()
		if err != nil {
			return err
		}
		for _, p := range products {
			fmt.Printf("%s  %s\n", p.ID, p.Description)
			for _, d := range p.Devices {
				fmt.Printf("    %s\n", d)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
