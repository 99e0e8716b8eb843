package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/vehiclelink/canadapter/capture"
	"github.com/vehiclelink/canadapter/driver"
)

var (
	recordFor      time.Duration
	replayRealtime bool
)

var recordCmd = &cobra.Command{
	Use:   "record <file>",
	Short: "Capture bus traffic to a CBOR file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Create(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		b, _, err := openBus()
		if err != nil {
			return err
		}
		defer b.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		if recordFor > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, recordFor)
			defer cancel()
		}

		n, err := capture.Capture(ctx, b, f)
		if err != nil {
			return err
		}
		fmt.Printf("%d packets written to %s\n", n, args[0])
		return nil
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay <file>",
	Short: "Play a capture file back onto the bus and print it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		b, _, err := openBus()
		if err != nil {
			return err
		}
		defer b.Close()

		// Print what the bus delivers, like a live dump.
		lis := b.Subscribe()
		printed := make(chan struct{})
		go func() {
			defer close(printed)
			for {
				p, err := lis.Next(100 * time.Millisecond)
				if err != nil {
					if errors.Is(err, driver.ErrTimeout) {
						continue
					}
					return
				}
				fmt.Println(p)
			}
		}()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		n, err := capture.Replay(ctx, f, b, replayRealtime)
		// Let the fan-out drain before tearing the printer down.
		time.Sleep(200 * time.Millisecond)
		lis.Close()
		<-printed
		if err != nil {
			return err
		}
		fmt.Printf("%d packets replayed from %s\n", n, args[0])
		return nil
	},
}

func init() {
	recordCmd.Flags().DurationVar(&recordFor, "duration", 0, "stop after this long (default: until interrupted)")
	replayCmd.Flags().BoolVar(&replayRealtime, "realtime", false, "reproduce the original timing between packets")
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(replayCmd)
}
