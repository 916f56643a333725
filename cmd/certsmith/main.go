package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/blockadesystems/certsmith/internal/config"
	"github.com/blockadesystems/certsmith/internal/manager"
	"github.com/blockadesystems/certsmith/internal/pki"
	"github.com/blockadesystems/certsmith/internal/responder"
)

var logger *zap.Logger

var (
	configFile string
	configDir  string
	workDir    string
)

func init() {
	_ = godotenv.Load()

	zapCfg := zap.NewDevelopmentConfig()
	if os.Getenv("CERTSMITH_ENV") == "production" {
		zapCfg = zap.NewProductionConfig()
	}
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := zapCfg.Build()
	if err != nil {
		panic(err)
	}
	logger = l.With(zap.String("package", "main"))
}

func main() {
	root := &cobra.Command{
		Use:           "certsmith",
		Short:         "Automated certificate issuance and renewal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config-file", "c",
		envOr("CERTSMITH_CONFIG_FILE", config.DefaultConfigFile), "global configuration file")
	root.PersistentFlags().StringVarP(&configDir, "config-dir", "d",
		envOr("CERTSMITH_CONFIG_DIR", config.DefaultConfigDir), "directory of certificate configuration files")
	root.PersistentFlags().StringVarP(&workDir, "work-dir", "w",
		envOr("CERTSMITH_WORK_DIR", ""), "working directory for keys and certificates (defaults to the config dir)")

	root.AddCommand(runCmd(), serveCmd(), statusCmd())

	if err := root.Execute(); err != nil {
		logger.Fatal("certsmith failed", zap.Error(err))
	}
	_ = logger.Sync()
}

// runCmd renews every configured certificate that is due. This is the
// cron-friendly entry point.
func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Renew every configured certificate that is due",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile, configDir, workDir)
			if err != nil {
				return err
			}
			if len(cfg.Certificates) == 0 {
				logger.Warn("No certificates configured", zap.String("config_dir", configDir))
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return manager.New(cfg, logger).Run(ctx)
		},
	}
}

// serveCmd runs the standalone challenge responder.
func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the challenge directory over plain HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile, configDir, workDir)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			r := responder.New(cfg.Settings.ChallengeDir, logger)
			errCh := make(chan error, 1)
			go func() { errCh <- r.Start(addr) }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return r.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":80", "listen address")
	return cmd
}

// statusCmd reports validity windows and renewal state without contacting
// the CA.
func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show validity and renewal state for configured certificates",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile, configDir, workDir)
			if err != nil {
				return err
			}

			m := manager.New(cfg, logger)
			for _, cert := range cfg.Certificates {
				line := strings.Join(cert.Domains, " ") + ": "
				existing, err := pki.LoadCertificate(cert.CertFile)
				if err != nil {
					line += "no certificate"
				} else {
					notBefore, notAfter := pki.Validity(existing)
					line += fmt.Sprintf("valid %s to %s",
						notBefore.Format(time.RFC3339), notAfter.Format(time.RFC3339))
				}
				if due, reason := m.NeedsRenewal(cert); due {
					line += fmt.Sprintf(" (renewal due: %s)", reason)
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
