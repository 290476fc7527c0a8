package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hostinger/ndsnoop/internal/api"
	"github.com/hostinger/ndsnoop/internal/config"
	"github.com/hostinger/ndsnoop/internal/icmp6"
	"github.com/hostinger/ndsnoop/internal/linkmon"
	"github.com/hostinger/ndsnoop/internal/logger"
	"github.com/hostinger/ndsnoop/internal/neighbor"
	"github.com/hostinger/ndsnoop/internal/sniffer"
	"github.com/spf13/cobra"
)

// Release is populated at build time through -ldflags.
var Release struct {
	Version string
	Build   string
}

var (
	configPath      string
	listenInterface string
	apiAddress      string
	debugMode       bool
	installNeigh    bool
)

var rootCmd = &cobra.Command{
	Use:          "ndsnoop",
	Short:        "Learns IPv6 client bindings from Neighbor Discovery on a client-facing interface",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger.Init(cfg.Debug)
		return run(cfg)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Version and build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ndsnoop Release Information\n")
		fmt.Printf("Version:  %s\n", Release.Version)
		fmt.Printf("Build:    %s\n", Release.Build)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a YAML configuration file")
	rootCmd.Flags().StringVarP(&listenInterface, "interface", "i", "", "Client-facing interface to snoop Neighbor Discovery on")
	rootCmd.Flags().StringVar(&apiAddress, "api", "127.0.0.1:54321", "Listen address for the status API, empty to disable")
	rootCmd.Flags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	rootCmd.Flags().BoolVar(&installNeigh, "install-neighbors", false, "Install learned clients into the kernel neighbor table")

	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the optional file and lets explicitly set flags win.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("interface") {
		cfg.Interface = listenInterface
	}
	if flags.Changed("api") {
		cfg.APIAddress = apiAddress
	}
	if flags.Changed("debug") {
		cfg.Debug = debugMode
	}
	if flags.Changed("install-neighbors") {
		cfg.InstallToKernel = installNeigh
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(cfg *config.Config) error {
	capture, err := sniffer.NewCaptureSocket()
	if err != nil {
		return err
	}
	raw, err := sniffer.NewRawSocket()
	if err != nil {
		capture.Close()
		return err
	}
	ipmgr, err := sniffer.NewRawSocket()
	if err != nil {
		capture.Close()
		raw.Close()
		return err
	}
	defer ipmgr.Close()

	resolver := linkmon.Resolver{}
	binding := sniffer.NewBinding(cfg.Interface, capture, raw, resolver)
	defer binding.Close()

	if cfg.Interface == "" {
		logger.Warn("No --interface given, Neighbor Discovery snooping stays idle")
	}
	binding.Setup()

	nm := neighbor.NewNeighborManager(cfg.InstallToKernel)
	defer nm.Cleanup()

	engine := icmp6.NewEngine(binding, nm, ipmgr)
	reactor := sniffer.NewReactor(binding, resolver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		err := linkmon.Monitor(ctx, func(ev sniffer.LinkChange) {
			engine.Post(func() { reactor.OnLinkChanged(ev) })
		})
		if err != nil {
			logger.Error("Link monitor stopped: %v", err)
		}
	}()

	go nm.SendProbes(ctx, cfg.ProbeInterval.Duration, cfg.ProbeAfter.Duration, cfg.ExpireAfter.Duration, engine.RequestSolicitation)

	if cfg.APIAddress != "" {
		a := &api.API{NM: nm, Prober: engine}
		srv := &http.Server{
			Addr:              cfg.APIAddress,
			Handler:           a.Routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("API server listening on %s", cfg.APIAddress)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("HTTP server failed: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	err = engine.Run(ctx)
	logger.Info("Shutting down")
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
