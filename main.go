package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/CristiGvl/picoCPUCtl/api"
	"github.com/CristiGvl/picoCPUCtl/internal/app"
	"github.com/CristiGvl/picoCPUCtl/internal/settings"
	"github.com/spf13/cobra"
)

var (
	opts app.Options
	bind string
	port string
)

var rootCmd = &cobra.Command{
	Use:           app.Name,
	Short:         "Monitor and tune CPU frequency, governor, boost and power limits",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the polling loop",
	RunE:  runServe,
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print the detected topology and control files as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New(quiet(opts))
		if err != nil {
			return err
		}
		defer a.Close()
		return printJSON(map[string]any{
			"topology": a.Topology,
			"profile":  a.Table.Profile(),
			"files":    a.Table,
		})
	},
}

var bootScriptCmd = &cobra.Command{
	Use:   "boot-script",
	Short: "Print the apply-on-boot script for the stored settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New(quiet(opts))
		if err != nil {
			return err
		}
		defer a.Close()
		script, err := settings.Materialize(a.Table, a.Applied.Applied(), a.Topology.PhysicalCores, a.Logger)
		if err != nil {
			return err
		}
		fmt.Println(script)
		return nil
	},
}

var rescanCmd = &cobra.Command{
	Use:   "rescan",
	Short: "Discard the cached control file locations and search again",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.New(quiet(opts))
		if err != nil {
			return err
		}
		defer a.Close()
		return printJSON(a.Locator.Rescan().Profile())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "Log level (overrides config)")
	rootCmd.PersistentFlags().StringVar(&opts.LogFile, "log-file", "", "Log file path")

	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&port, "port", "8080", "Port to run the server on")
		cmd.Flags().StringVar(&bind, "bind", "127.0.0.1", "IP address to bind the server to")
	}

	rootCmd.AddCommand(serveCmd, infoCmd, bootScriptCmd, rescanCmd)
}

// quiet keeps one-shot commands from mixing log lines into their output
func quiet(o app.Options) app.Options {
	o.Quiet = true
	return o
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := app.New(opts)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := api.NewServer(a)
	addr := net.JoinHostPort(bind, port)
	a.Logger.Warnf("Starting %s server on %s", app.Name, addr)
	return a.Run(ctx, func(ctx context.Context) error {
		return server.Serve(ctx, addr)
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
