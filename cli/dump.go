package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/vehiclelink/canadapter/driver"
)

var (
	dumpFor  time.Duration
	dumpEcho bool
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print live bus traffic in candump style",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, drv, err := openBus()
		if err != nil {
			return err
		}
		defer b.Close()

		if dumpEcho {
			sim, ok := drv.(*driver.Sim)
			if !ok {
				return errors.New("--echo only applies to the sim backend")
			}
			sim.Respond(driver.Echo)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		if dumpFor > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, dumpFor)
			defer cancel()
		}

		lis := b.Subscribe()
		defer lis.Close()
		for {
			if ctx.Err() != nil {
				return nil
			}
			p, err := lis.Next(100 * time.Millisecond)
			if err != nil {
				if errors.Is(err, driver.ErrTimeout) {
					continue
				}
				return err
			}
			fmt.Println(p)
		}
	},
}

func init() {
	dumpCmd.Flags().DurationVar(&dumpFor, "duration", 0, "stop after this long (default: until interrupted)")
	dumpCmd.Flags().BoolVar(&dumpEcho, "echo", false, "sim backend echoes every transmission back")
	rootCmd.AddCommand(dumpCmd)
}
