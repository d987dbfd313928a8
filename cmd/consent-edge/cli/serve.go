package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conicleai/consent-edge/internal/config"
	"github.com/conicleai/consent-edge/internal/identity"
	"github.com/conicleai/consent-edge/internal/normalize"
	"github.com/conicleai/consent-edge/internal/ratelimit"
	"github.com/conicleai/consent-edge/internal/server"
	"github.com/conicleai/consent-edge/internal/service"
)

const banner = `
  ___ ___  _  _ ___ ___ _  _ _____     ___ ___   ___ ___
 / __/ _ \| \| / __| __| \| |_   _|___| __|   \ / __| __|
| (_| (_) | .  \__ \ _|| .  | | |_____| _|| |) | (_ | _|
 \___\___/|_|\_|___/___|_|\_| |_|     |___|___/ \___|___|
`

func newServeCmd() *cobra.Command {
	var (
		port int
		host string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the consent ingestion gateway",
		Long:  "Start the HTTP server that authorizes API keys, ingests consent events, and serves the key management surface.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Flags().Changed("host"), host, cmd.Flags().Changed("port"), port)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP listen port")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "HTTP listen host")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(hostSet bool, host string, portSet bool, port int) error {
	fmt.Print(banner)
	fmt.Println()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if hostSet {
		cfg.Server.Host = host
	}
	if portSet {
		cfg.Server.Port = port
	}

	logger := newLogger(cfg.Logging)

	ctx := context.Background()
	store, err := openWarehouse(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open warehouse: %w", err)
	}
	logger.Info("warehouse ready", "driver", cfg.Warehouse.Driver)

	authority := service.NewKeyAuthority(store, logger)
	accountant := service.NewUsageAccountant(store, logger)

	var verifierOpts []identity.Option
	if cfg.Auth.TokeninfoURL != "" {
		verifierOpts = append(verifierOpts, identity.WithEndpoint(cfg.Auth.TokeninfoURL))
	}
	verifier := identity.NewVerifier(logger, verifierOpts...)

	salt := ipSalt(cfg)
	if salt == "" {
		logger.Warn("no IP salt configured, hashed IPs are guessable")
	}

	limiter := ratelimit.New(
		config.Duration(cfg.RateLimit.Window, ratelimit.DefaultWindow),
		cfg.RateLimit.Ceiling,
	)

	srvCfg := server.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ShutdownTimeout: config.Duration(cfg.Server.ShutdownTimeout, 30*time.Second),
		CORSOrigins:     cfg.Server.CORS.Origins,
		AdminRateLimit:  cfg.Server.AdminRateLimit,
	}

	srv := server.New(srvCfg, server.Deps{
		Store:      store,
		Authority:  authority,
		Accountant: accountant,
		Verifier:   verifier,
		Allowlist:  identity.DomainAllowlist(cfg.Auth.AdminDomains),
		Limiter:    limiter,
		Normalizer: &normalize.Normalizer{IPSalt: salt},
	}, logger)

	fmt.Printf("→ Listening on http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("→ Ingest:  POST http://%s:%d/v1/events\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("→ Admin:   POST http://%s:%d/admin/keys\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("→ Health:  http://%s:%d/healthz\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()

	return srv.ListenAndServe()
}
