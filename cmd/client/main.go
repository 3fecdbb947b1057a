package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"turnip/internal/client"
)

var (
	serverAddr string
	localAddr  string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:           "turnip-client",
	Short:         "Announce to or request punches from a turnip rendezvous server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var announceCmd = &cobra.Command{
	Use:   "announce",
	Short: "Keep this endpoint registered and answer punch instructions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, err := cmd.Flags().GetDuration("interval")
		if err != nil {
			return err
		}
		c, err := dial()
		if err != nil {
			return err
		}

		fmt.Println("Local address:", c.LocalAddr())

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		go func() {
			for opener := range c.Punches() {
				fmt.Println("Punched toward", opener)
			}
		}()
		return c.Run(ctx, interval)
	},
}

var requestCmd = &cobra.Command{
	Use:   "request <target ip:port>",
	Short: "Ask a registered client to punch toward this endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := netip.ParseAddrPort(args[0])
		if err != nil {
			return fmt.Errorf("invalid target: %w", err)
		}
		openPort, err := cmd.Flags().GetUint16("open-port")
		if err != nil {
			return err
		}
		c, err := dial()
		if err != nil {
			return err
		}
		defer c.Close()

		return c.Request(target, openPort)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverAddr, "server", "s", "127.0.0.1:19555", "rendezvous server address")
	rootCmd.PersistentFlags().StringVarP(&localAddr, "local", "l", "0.0.0.0:0", "local UDP address to bind")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	announceCmd.Flags().Duration("interval", client.DefaultPingInterval, "time between PINGs")
	requestCmd.Flags().Uint16("open-port", 0, "port the punch should target (default: the local port)")

	rootCmd.AddCommand(announceCmd, requestCmd)
}

func dial() (*client.Client, error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return client.Dial(serverAddr, localAddr, client.WithLogger(logger))
}

func main() {
	ctx := context.Background()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
