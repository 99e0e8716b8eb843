package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/vehiclelink/canadapter/remote"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Stream live bus traffic to WebSocket clients",
	RunE: func(cmd *cobra.Command, args []string) error {
		b, _, err := openBus()
		if err != nil {
			return err
		}
		defer b.Close()

		srv := &http.Server{
			Addr:    serveListen,
			Handler: remote.NewServer(b, logger),
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		go func() {
			<-ctx.Done()
			srv.Shutdown(context.Background())
		}()

		logger.Info("serving live stream", "listen", serveListen)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", ":8723", "listen address")
	rootCmd.AddCommand(serveCmd)
}
