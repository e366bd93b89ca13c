package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"firestige.xyz/flowtrack/internal/source/afpacket"
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Track streams on a live interface",
	Long: `Capture from a network interface through AF_PACKET and track streams
until SIGINT or SIGTERM. On shutdown the capture stops, queued frames are
processed and open streams are flushed. Requires Linux and CAP_NET_RAW.

Examples:
  flowtrack capture -i eth0
  flowtrack capture -c flowtrack.yml -i eth0 --fanout 7`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, closer, err := setup()
		if err != nil {
			return err
		}
		defer closer.Close()

		cc := cfg.CaptureConfig()
		if captureInterface != "" {
			cc.Interface = captureInterface
		}
		if captureFanout > 0 {
			cc.FanoutID = captureFanout
		}
		src, err := afpacket.Open(cc)
		if err != nil {
			return err
		}
		defer src.Close()

		sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		context.AfterFunc(sigCtx, src.Stop)

		stats, err := runSource(context.WithoutCancel(cmd.Context()), cfg, src, cc.Interface, cmd.OutOrStdout())
		fmt.Fprintf(cmd.ErrOrStderr(), "packets=%d decoded=%d decode_errors=%d streams=%d dropped=%d\n",
			stats.Received, stats.Decoded, stats.DecodeErrors, stats.FlowsFinished, stats.RecordsDropped)
		return err
	},
}

var (
	captureInterface string
	captureFanout    uint16
)

func init() {
	captureCmd.Flags().StringVarP(&captureInterface, "interface", "i", "",
		"interface to capture on (overrides capture.interface)")
	captureCmd.Flags().Uint16Var(&captureFanout, "fanout", 0,
		"PACKET_FANOUT group id (overrides capture.fanout_id)")
}
