package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smazurov/renderpool/internal/logging"
	"github.com/smazurov/renderpool/internal/relay"
	"github.com/spf13/cobra"
	"vawter.tech/stopper"
)

// CreateRelayCmd creates the relay command.
func CreateRelayCmd() *cobra.Command {
	policy := relay.DefaultPolicy()
	var listen string
	var maxMessage int64
	var logJSON bool

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the public websocket relay",
		Long: `Accepts websocket clients on /<port> or the dev alias path and relays frames to the matching ` +
			`local endpoint. Ports outside the allow-list are refused with close code 1008 before any outbound connection.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			loggingConfig := logging.Config{
				Level:  "info",
				Format: "text",
			}
			if logJSON {
				loggingConfig.Format = "json"
			}
			logging.Initialize(loggingConfig)
			logger := logging.GetLogger("relay")

			r := relay.New(policy,
				relay.WithMaxMessageSize(maxMessage),
				relay.WithLogger(logger),
			)
			if err := r.Listen(listen); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sctx := stopper.WithContext(context.WithoutCancel(ctx))
			sctx.Go(func(sctx *stopper.Context) error {
				return r.Run(sctx)
			})

			select {
			case <-ctx.Done():
			case <-sctx.Stopping():
			}
			logger.Info("Shutting down relay")
			sctx.Stop(5 * time.Second)
			return sctx.Wait()
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "0.0.0.0:8080", "Address to accept clients on")
	cmd.Flags().StringVar(&policy.Host, "host", policy.Host, "Host of numbered targets")
	cmd.Flags().StringVar(&policy.DevPath, "dev-path", policy.DevPath, "Alias path relayed to the dev target")
	cmd.Flags().StringVar(&policy.DevTarget, "dev-target", policy.DevTarget, "Websocket URL for the dev alias")
	cmd.Flags().IntVar(&policy.BasePort, "base-port", policy.BasePort, "First allowed instance port")
	cmd.Flags().IntVar(&policy.MaxOffset, "max-offset", policy.MaxOffset, "Allowed ports run from base-port to base-port+max-offset")
	cmd.Flags().IntSliceVar(&policy.ExtraPorts, "extra-port", policy.ExtraPorts, "Additional allowed ports")
	cmd.Flags().Int64Var(&maxMessage, "max-message-size", relay.DefaultMaxMessageSize, "Largest relayed message in bytes")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "Log in JSON format")
	return cmd
}
