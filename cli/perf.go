package cli

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/vehiclelink/canadapter/driver"
	"github.com/vehiclelink/canadapter/packet"
)

var (
	pingCount int
	pingPGN   string

	benchSize  int
	benchCount int
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Measure request/response round trip times",
	Long: `Repeatedly requests one parameter group from the configured
destination address and reports the round trip statistics. Useful for
checking adapter latency and whether a module answers at all.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pgn, err := strconv.ParseUint(pingPGN, 0, 24)
		if err != nil {
			return fmt.Errorf("bad pgn %q: %w", pingPGN, err)
		}

		e, b, err := openEngine()
		if err != nil {
			return err
		}
		defer b.Close()
		defer e.Close()

		var lost int
		var total, best, worst time.Duration
		for i := 0; i < pingCount; i++ {
			start := time.Now()
			_, err := e.Request(uint32(pgn), cfg.DestinationAddress, cfg.Timeout())
			rtt := time.Since(start)
			if err != nil {
				if errors.Is(err, driver.ErrTimeout) {
					lost++
					fmt.Printf("request %d: timeout\n", i+1)
					continue
				}
				return err
			}
			fmt.Printf("request %d: %v\n", i+1, rtt)
			total += rtt
			if best == 0 || rtt < best {
				best = rtt
			}
			if rtt > worst {
				worst = rtt
			}
		}

		answered := pingCount - lost
		fmt.Printf("\n%d requests, %d answered, %d lost\n", pingCount, answered, lost)
		if answered > 0 {
			fmt.Printf("rtt min/avg/max = %v/%v/%v\n", best, total/time.Duration(answered), worst)
		}
		return nil
	},
}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Measure transport protocol send throughput",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, b, err := openEngine()
		if err != nil {
			return err
		}
		defer b.Close()
		defer e.Close()

		payload := make([]byte, benchSize)
		for i := range payload {
			payload[i] = byte(i)
		}

		start := time.Now()
		for i := 0; i < benchCount; i++ {
			// Proprietary B broadcast, segmented as BAM.
			msg := packet.NewJ1939(6, 0xFF00, 0xFF, cfg.SourceAddress, payload)
			if err := e.Send(msg); err != nil {
				return fmt.Errorf("message %d: %w", i+1, err)
			}
		}
		elapsed := time.Since(start)

		bytes := benchSize * benchCount
		fmt.Printf("%d messages, %d bytes in %v (%.1f kB/s)\n",
			benchCount, bytes, elapsed.Round(time.Millisecond),
			float64(bytes)/1000/elapsed.Seconds())
		return nil
	},
}

func init() {
	pingCmd.Flags().IntVar(&pingCount, "count", 10, "number of requests")
	pingCmd.Flags().StringVar(&pingPGN, "pgn", "0xFEE5", "parameter group to request")
	benchCmd.Flags().IntVar(&benchSize, "size", 1024, "message payload size in bytes")
	benchCmd.Flags().IntVar(&benchCount, "count", 10, "number of messages")
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(benchCmd)
}
