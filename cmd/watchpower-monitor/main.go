package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"watchpower-monitor/config"
	"watchpower-monitor/internal/api"
	"watchpower-monitor/internal/collector"
	"watchpower-monitor/internal/dashboard"
	"watchpower-monitor/internal/exporter"
	"watchpower-monitor/internal/inverter"
	"watchpower-monitor/internal/logger"
	"watchpower-monitor/internal/modbus"
	"watchpower-monitor/internal/mqtt"
	"watchpower-monitor/internal/storage"
	"watchpower-monitor/internal/watchpower"
)

const shutdownTimeout = 10 * time.Second

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "watchpower-monitor",
		Short:        "WatchPower inverter fleet monitor",
		Long:         "Collects inverter telemetry, derives grid, battery and savings figures and serves them over HTTP, WebSocket, MQTT and prometheus",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(readCmd())
	rootCmd.AddCommand(testCmd())
	rootCmd.AddCommand(watchCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func load() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	level := cfg.Log.Level
	if verbose {
		level = logger.DebugLevel
	}
	return cfg, logger.Get(level), nil
}

// openSource builds the configured telemetry source. days may be nil.
func openSource(cfg *config.Config, db *storage.Database, log *logger.Logger) (inverter.Source, error) {
	if cfg.Source != config.SourceModbus {
		return inverter.NewUpstream(cfg.Upstream.URL, cfg.Upstream.Timeout), nil
	}

	var days inverter.DayStore
	if db != nil {
		days = db
	}
	client := modbus.NewClient(cfg.Modbus.IP, cfg.Modbus.Port, cfg.Modbus.SlaveID, cfg.Modbus.Timeout)
	src, err := inverter.NewModbus(client, inverter.ModbusOptions{
		Registers: cfg.Modbus.Registers,
		Device:    cfg.Device(),
		Days:      days,
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}
	return src, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the monitoring service",
		Long:  "Start the collector, API server, push feed, MQTT publisher and daily summaries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}

			var db *storage.Database
			if cfg.Database.Enabled {
				db, err = storage.NewDatabase(cfg.Database.Path)
				if err != nil {
					return err
				}
				defer db.Close()
				log.Infow("database opened", "path", cfg.Database.Path)
			}

			source, err := openSource(cfg, db, log)
			if err != nil {
				return fmt.Errorf("failed to open source: %w", err)
			}
			defer source.Close()

			publisher, err := mqtt.NewPublisher(mqtt.PublisherConfig{
				Broker:      cfg.MQTT.Broker,
				ClientID:    cfg.MQTT.ClientID,
				Username:    cfg.MQTT.Username,
				Password:    cfg.MQTT.Password,
				TopicPrefix: cfg.MQTT.TopicPrefix,
				Enabled:     cfg.MQTT.Enabled,
				Logger:      log,
			})
			if err != nil {
				log.Warnw("MQTT connection failed, publishing disabled", "err", err)
				publisher = nil
			} else {
				defer publisher.Close()
			}

			metrics := exporter.New()
			hub := api.NewHub(cfg.API.Heartbeat, log)

			coll, err := collector.NewCollector(collector.Config{
				Source:      source,
				Database:    db,
				Publisher:   publisher,
				Exporter:    metrics,
				Broadcaster: hub,
				Interval:    cfg.Collector.Interval,
				Timeout:     cfg.Collector.Timeout,
				SummaryCron: cfg.Collector.SummaryCron,
				Retention:   cfg.Database.Retention,
				PricePerKWh: cfg.Tariff.PricePerKWh,
				Enabled:     cfg.Collector.Enabled,
				Logger:      log,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return coll.Start(gctx)
			})

			if cfg.API.Enabled {
				server := api.NewServer(api.ServerConfig{
					Port:        cfg.API.Port,
					Collector:   coll,
					Source:      source,
					Database:    db,
					Exporter:    metrics,
					Hub:         hub,
					PricePerKWh: cfg.Tariff.PricePerKWh,
					Logger:      log,
				})
				g.Go(server.Start)
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
					defer cancel()
					return server.Stop(shutdownCtx)
				})
			}

			log.Infow("WatchPower monitor started, press Ctrl+C to stop", "source", source.Name())
			err = g.Wait()
			log.Infow("shutting down")
			return err
		},
	}
}

func readCmd() *cobra.Command {
	var serial string
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Read one sample from the source",
		Long:  "Read one sample from the configured source and print it with its derived metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			source, err := openSource(cfg, nil, log)
			if err != nil {
				return err
			}
			defer source.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Collector.Timeout)
			defer cancel()

			if serial == "" {
				invs, err := source.Inverters(ctx)
				if err != nil {
					return fmt.Errorf("failed to list inverters: %w", err)
				}
				if len(invs) == 0 {
					return errors.New("source reports no inverters")
				}
				serial = invs[0].SerialNumber
			}

			sample, err := source.Sample(ctx, serial)
			if err != nil {
				return fmt.Errorf("failed to read data: %w", err)
			}

			output, err := json.MarshalIndent(struct {
				Sample  *watchpower.Sample `json:"sample"`
				Derived watchpower.Derived `json:"derived"`
			}{sample, watchpower.Derive(sample)}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(output))
			return nil
		},
	}
	cmd.Flags().StringVarP(&serial, "inverter", "i", "", "inverter serial number (default: first listed)")
	return cmd
}

func testCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Test connection to the source",
		Long:  "Test the connection to the WatchPower bridge or the Modbus TCP inverter",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			source, err := openSource(cfg, nil, log)
			if err != nil {
				return err
			}
			defer source.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Collector.Timeout)
			defer cancel()

			fmt.Printf("Testing %s source...\n", source.Name())
			if err := source.Test(ctx); err != nil {
				fmt.Printf("Connection FAILED: %v\n", err)
				return err
			}
			fmt.Println("Connection SUCCESS!")

			invs, err := source.Inverters(ctx)
			if err != nil {
				fmt.Printf("Warning: could not list inverters: %v\n", err)
				return nil
			}
			fmt.Printf("\nInverters:\n")
			for _, inv := range invs {
				fmt.Printf("  %-20s %-16s %s\n", inv.SerialNumber, inv.Alias, inv.SystemType)
			}
			return nil
		},
	}
}

func watchCmd() *cobra.Command {
	var (
		serial    string
		aggregate bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Terminal dashboard",
		Long:  "Show a live terminal dashboard fed by the API and push feed of a running serve instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			if serial == "" {
				serial = cfg.Dashboard.Inverter
			}
			if !verbose {
				log = logger.Nop()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d, err := dashboard.New(dashboard.Options{
				API:               watchpower.NewClient(cfg.Dashboard.APIURL, cfg.Upstream.Timeout),
				FeedURL:           cfg.Dashboard.FeedURL,
				InverterID:        serial,
				Aggregate:         aggregate,
				SampleInterval:    cfg.Dashboard.SampleInterval,
				DailyInterval:     cfg.Dashboard.DailyInterval,
				InvertersInterval: cfg.Dashboard.InvertersInterval,
				Throttle:          cfg.Dashboard.Throttle,
				MaxHistory:        cfg.Dashboard.MaxHistory,
				Reconnect:         cfg.Dashboard.Reconnect,
				PricePerKWh:       cfg.Tariff.PricePerKWh,
				Visibility:        resumed(ctx),
				Out:               os.Stdout,
				Logger:            log,
			})
			if err != nil {
				return err
			}
			defer d.Close()

			return d.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&serial, "inverter", "i", "", "inverter serial number (default: first listed)")
	cmd.Flags().BoolVarP(&aggregate, "aggregate", "a", false, "subscribe to the fleet feed")
	return cmd
}

// resumed reports a visible view whenever the process is continued after
// a stop, e.g. fg after Ctrl+Z.
func resumed(ctx context.Context) <-chan bool {
	visible := make(chan bool, 1)
	cont := make(chan os.Signal, 1)
	signal.Notify(cont, syscall.SIGCONT)

	go func() {
		defer signal.Stop(cont)
		for {
			select {
			case <-ctx.Done():
				return
			case <-cont:
				select {
				case visible <- true:
				default:
				}
			}
		}
	}()
	return visible
}
