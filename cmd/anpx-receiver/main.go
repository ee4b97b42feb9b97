// main.go — Entry point for the anpx-receiver binary.
// Holds an authenticated tunnel to a gateway open and serves requests
// from it against a local application.
//
// Exit codes:
//
//	0 = clean shutdown
//	1 = configuration error
//	3 = unrecoverable internal error
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/openanp/anpx-gateway/internal/auth"
	"github.com/openanp/anpx-gateway/internal/config"
	"github.com/openanp/anpx-gateway/internal/receiver"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var configPath string

	root := &cobra.Command{
		Use:           "anpx-receiver",
		Short:         "ANPX tunnel receiver",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to TOML config file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the gateway and serve",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReceiver(cmd.Context(), configPath)
		},
	}
	root.AddCommand(runCmd, &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(*cobra.Command, []string) {
			fmt.Printf("anpx-receiver %s\n", version)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	root.SetArgs(args)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, config.ErrConfig) {
			return 1
		}
		return 3
	}
	return 0
}

func runReceiver(ctx context.Context, configPath string) error {
	cfg, err := config.LoadReceiver(configPath)
	if err != nil {
		return err
	}

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	key, err := config.LoadEd25519PrivateKey(cfg.KeyFile)
	if err != nil {
		return err
	}
	tlsCfg, err := cfg.TLS.ClientTLS()
	if err != nil {
		return err
	}

	app, err := localApp(cfg.LocalURL)
	if err != nil {
		return err
	}

	client, err := receiver.NewClient(receiver.ClientConfig{
		GatewayURL: cfg.GatewayURL,
		Signer: &auth.Signer{
			DID:                cfg.DID,
			VerificationMethod: cfg.VerificationMethod,
			Key:                key,
		},
		TLS: tlsCfg,
		Dispatcher: receiver.DispatcherConfig{
			Workers:    cfg.Workers,
			QueueDepth: cfg.QueueDepth,
			ChunkSize:  cfg.ChunkSize,
		},
		InitialBackoff: cfg.InitialBackoff(),
		MaxBackoff:     cfg.MaxBackoff(),
	}, app, log)
	if err != nil {
		return err
	}
	return client.Run(ctx)
}

// localApp proxies requests to the configured local base URL.
func localApp(base string) (receiver.App, error) {
	if base == "" {
		return nil, fmt.Errorf("%w: local_url is required", config.ErrConfig)
	}
	baseURL, err := url.Parse(base)
	if err != nil || baseURL.Host == "" {
		return nil, fmt.Errorf("%w: local_url %q", config.ErrConfig, base)
	}
	client := &http.Client{}

	return receiver.AppFunc(func(ctx context.Context, req *receiver.Request) (*receiver.Response, error) {
		target := *baseURL
		target.Path = strings.TrimRight(baseURL.Path, "/") + req.Path
		target.RawQuery = req.Query.Encode()

		hr, err := http.NewRequestWithContext(ctx, req.Method, target.String(), strings.NewReader(string(req.Body)))
		if err != nil {
			return nil, err
		}
		hr.Header = req.Headers.Clone()
		if hr.Header == nil {
			hr.Header = make(http.Header)
		}

		resp, err := client.Do(hr)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return &receiver.Response{
			Status:  resp.StatusCode,
			Reason:  http.StatusText(resp.StatusCode),
			Headers: resp.Header,
			Body:    body,
		}, nil
	}), nil
}
