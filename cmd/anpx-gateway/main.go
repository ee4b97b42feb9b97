// main.go — Entry point for the anpx-gateway binary.
//
// Exit codes:
//
//	0 = clean shutdown
//	1 = configuration error
//	2 = bind failure
//	3 = unrecoverable internal error
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/openanp/anpx-gateway/internal/auth"
	"github.com/openanp/anpx-gateway/internal/config"
	"github.com/openanp/anpx-gateway/internal/gateway"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is the entry point, separated for testability. Returns the exit
// code.
func run(args []string) int {
	var configPath string

	root := &cobra.Command{
		Use:           "anpx-gateway",
		Short:         "ANPX reverse-tunnel gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to TOML config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serveGateway(cmd.Context(), configPath)
		},
	}
	root.AddCommand(serve, versionCmd("anpx-gateway"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	root.SetArgs(args)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		switch {
		case errors.Is(err, config.ErrConfig):
			return 1
		case errors.Is(err, gateway.ErrBind):
			return 2
		default:
			return 3
		}
	}
	return 0
}

func versionCmd(name string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(*cobra.Command, []string) {
			fmt.Printf("%s %s\n", name, version)
		},
	}
}

func serveGateway(ctx context.Context, configPath string) error {
	cfg, err := config.LoadGateway(configPath)
	if err != nil {
		return err
	}

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	tlsCfg, err := cfg.TLS.ServerTLS()
	if err != nil {
		return err
	}

	var issuer gateway.TokenIssuer
	if cfg.JWT.PrivateKeyFile != "" {
		key, err := config.LoadRSAPrivateKey(cfg.JWT.PrivateKeyFile)
		if err != nil {
			return err
		}
		issuer = auth.NewJWTIssuer(key, cfg.JWTTTL(), nil)
	}

	verifier := auth.NewVerifier(auth.VerifierConfig{
		TimestampWindow: cfg.TimestampWindow(),
		NonceWindow:     cfg.NonceWindow(),
	}, &auth.WebResolver{}, nil)

	entries := make(map[string][]string, len(cfg.Directory))
	for _, e := range cfg.Directory {
		entries[e.DID] = e.Services
	}
	directory := gateway.NewStaticDirectory(entries)

	srv := gateway.NewServer(gateway.ServerConfig{
		HTTPAddr: fmt.Sprintf("%s:%d", cfg.HTTP.BindHost, cfg.HTTP.BindPort),
		WSAddr:   fmt.Sprintf("%s:%d", cfg.WS.BindHost, cfg.WS.BindPort),
		TLS:      tlsCfg,
		Registry: gateway.RegistryConfig{
			MaxConnections:    cfg.MaxConnections,
			MaxPending:        cfg.MaxPendingPerConnection,
			KeepaliveInterval: cfg.KeepaliveInterval(),
			KeepaliveTimeout:  cfg.KeepaliveTimeout(),
		},
		Ingress: gateway.IngressConfig{
			RequestTimeout: cfg.RequestTimeout(),
			BodyMaxBytes:   cfg.BodyMaxBytes,
			ChunkSize:      cfg.ChunkSize,
		},
		ReassemblyTTL: cfg.ReassemblyIdleTTL(),
		DrainTimeout:  10 * time.Second,
	}, verifier, directory, issuer, nil, log)

	return srv.Run(ctx)
}
