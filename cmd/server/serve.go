package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"marketplace-auth/internal/factory"
	"marketplace-auth/internal/util"
)

const shutdownTimeout = 30 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := loadConfig()
	defer util.Sync()

	f, err := factory.NewFactory(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer f.Close()

	// No router means no authorization; refuse to listen at all
	router, err := f.Router()
	if err != nil {
		return fmt.Errorf("failed to build router: %w", err)
	}

	addr := cfg.GetServerAddress()
	if cfg.Server.EnableTLS {
		addr = fmt.Sprintf(":%d", cfg.Server.TLSPort)
	}
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	servers := []*http.Server{server}
	errCh := make(chan error, 2)

	if cfg.Server.EnableTLS {
		server.TLSConfig = f.TLSManager().GetTLSConfig()
		if acme := f.TLSManager().GetAutocertManager(); acme != nil {
			// http-01 challenges and redirects
			challenge := &http.Server{
				Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
				Handler:           acme.HTTPHandler(nil),
				ReadHeaderTimeout: cfg.Server.ReadTimeout,
			}
			servers = append(servers, challenge)
			go listen(challenge, false, errCh)
		}
		util.Info("Starting HTTPS server",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.TLSPort),
			util.Bool("auto_cert", cfg.Server.AutoCert),
		)
		go listen(server, true, errCh)
	} else {
		util.Warn("Starting HTTP server - TLS is disabled",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.Port),
			util.Bool("require_tls", cfg.Server.RequireTLS),
		)
		go listen(server, false, errCh)
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	var runErr error
	select {
	case sig := <-signalChan:
		util.Info("Received shutdown signal", util.String("signal", sig.String()))
	case runErr = <-errCh:
		util.Error("Server stopped unexpectedly", util.ErrorField(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			util.Error("Failed to shutdown server gracefully", util.ErrorField(err))
		}
	}
	util.Info("Server shutdown completed")
	return runErr
}

func listen(srv *http.Server, useTLS bool, errCh chan<- error) {
	var err error
	if useTLS {
		// certificates come from TLSConfig.GetCertificate
		err = srv.ListenAndServeTLS("", "")
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("%s: %w", srv.Addr, err)
	}
}
