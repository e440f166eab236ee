package cmd

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/maritimecloud/idreg/api"
	"github.com/maritimecloud/idreg/auth"
	"github.com/maritimecloud/idreg/internal/util"
	"github.com/maritimecloud/idreg/pki"
)

const maintenanceInterval = 5 * time.Minute

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the certificate authority API server",
	Long: `Serves certificate issuance, revocation, CRL and OCSP over HTTPS. Clients
authenticate with a certificate issued by this CA, presented in the TLS
handshake or forwarded by a trusted proxy. SIGHUP reloads the keystores.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ca, err := loadAuthority(cfg)
		if err != nil {
			return err
		}
		defer ca.close()

		proxies, err := cfg.Server.TrustedProxyPrefixes()
		if err != nil {
			return err
		}
		authenticator := auth.New(ca.Authority, ca.repo, ca.repo,
			auth.WithLogger(logger),
			auth.WithLookupTimeout(cfg.Server.LookupTimeout))
		a := api.New(ca.service, authenticator, ca.repo, ca.repo,
			api.WithLogger(logger),
			api.WithClientCertHeader(cfg.Server.ClientCertHeader),
			api.WithTrustedProxies(proxies),
			api.WithDocs(cfg.Server.EnableDocs),
			api.WithAuditWebhook(cfg.Server.AuditWebhookURL, cfg.Server.AuditWebhookHeader),
			api.WithAlertHandler(func(e api.AlertEvent) {
				logger.Warn("security alert",
					slog.String("type", string(e.Type)),
					slog.String("message", e.Message),
					slog.Int("count", e.Count),
					slog.Int("threshold", e.Threshold))
			}))
		defer a.Close()

		tlsConfig, err := serverTLSConfig(cmd, ca.Authority)
		if err != nil {
			return err
		}

		server := &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           a.Handler(),
			TLSConfig:         tlsConfig,
			ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		go a.RunMaintenance(ctx, maintenanceInterval)

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner(cmd.OutOrStdout())
		logger.Info("server started",
			slog.String("addr", cfg.Server.ListenAddr),
			slog.String("storage", cfg.Storage.Driver))

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		defer signal.Stop(quit)

		for {
			select {
			case sig := <-quit:
				if sig == syscall.SIGHUP {
					reloadKeyMaterial(ca)
					continue
				}
				logger.Info("shutting down", slog.String("signal", sig.String()))
				shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancelShutdown()
				if err := server.Shutdown(shutdownCtx); err != nil {
					return fmt.Errorf("server shutdown failed: %w", err)
				}
				return nil
			case err := <-done:
				return err
			}
		}
	},
}

// reloadKeyMaterial swaps in the keystores currently on disk. Requests in
// flight finish with the material they started with.
func reloadKeyMaterial(ca *authority) {
	material, err := pki.LoadKeyMaterial(cfg.Keystores())
	if err != nil {
		logger.Error("keystore reload failed", slog.String("error", err.Error()))
		return
	}
	if _, err := ca.Reload(material); err != nil {
		logger.Error("keystore reload failed", slog.String("error", err.Error()))
		return
	}
	logger.Info("keystores reloaded",
		slog.String("intermediate_serial", material.Intermediate.Certificate().SerialNumber.String()))
}

func serverTLSConfig(cmd *cobra.Command, authority *pki.Authority) (*tls.Config, error) {
	var cert tls.Certificate
	var err error
	if cfg.Server.TLSCertFile != "" {
		cert, err = tls.LoadX509KeyPair(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
	} else {
		cert, err = util.GenerateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		fmt.Fprintln(cmd.ErrOrStderr(), "Using self-signed runtime generated certificate for TLS")
	}

	clientAuth := tls.VerifyClientCertIfGiven
	if cfg.Server.RequireClientCert {
		clientAuth = tls.RequireAndVerifyClientCert
	}
	return clientCertTLSConfig(&tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   clientAuth,
		MinVersion:   tls.VersionTLS12,
	}, authority), nil
}

// clientCertTLSConfig verifies client certificates against the chain the
// authority holds at handshake time, so a SIGHUP reload takes effect for new
// connections. The authentication bridge repeats the check with revocation.
func clientCertTLSConfig(base *tls.Config, authority *pki.Authority) *tls.Config {
	base.GetConfigForClient = func(*tls.ClientHelloInfo) (*tls.Config, error) {
		c := base.Clone()
		c.GetConfigForClient = nil
		c.ClientCAs = clientCAPool(authority.Current())
		return c, nil
	}
	return base
}

func clientCAPool(material *pki.KeyMaterial) *x509.CertPool {
	pool := x509.NewCertPool()
	if material == nil {
		return pool
	}
	pool.AddCert(material.Root.Certificate())
	pool.AddCert(material.Intermediate.Certificate())
	return pool
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
