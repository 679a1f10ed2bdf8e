package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"github.com/koltyakov/circlejoin/internal/netutil"
)

const (
	readHeaderTimeout = 10 * time.Second
	httpIdleTimeout   = 2 * time.Minute
	maxHeaderBytes    = 64 << 10
	shutdownTimeout   = 5 * time.Second
)

// Run starts the HTTP(S) listeners, the keep-alive loop and the janitor.
// It blocks until ctx is cancelled or a listener fails.
func (s *Server) Run(ctx context.Context) error {
	go s.registry.Run(ctx)
	go s.runJanitor(ctx)

	mainServer := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       httpIdleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
	}

	errCh := make(chan error, 2)
	var challengeServer *http.Server

	if s.cfg.TLSDomain != "" {
		manager := &autocert.Manager{
			Cache:      autocert.DirCache(s.cfg.CertCacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: s.hostPolicy(),
		}
		tlsConfig := manager.TLSConfig()
		tlsConfig.MinVersion = tls.VersionTLS12
		mainServer.TLSConfig = tlsConfig
		mainServer.ErrorLog = log.New(newHTTPSErrorLogWriter(s.log), "", 0)

		challengeServer = &http.Server{
			Addr:              s.cfg.ListenHTTP,
			Handler:           manager.HTTPHandler(nil),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       httpIdleTimeout,
			MaxHeaderBytes:    maxHeaderBytes,
		}
		go func() {
			s.log.Info("starting ACME challenge server", "addr", s.cfg.ListenHTTP)
			if err := challengeServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("challenge server: %w", err)
			}
		}()
		go func() {
			s.log.Info("starting HTTPS server", "addr", s.cfg.Listen, "domain", s.cfg.TLSDomain)
			if err := mainServer.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()
	} else {
		go func() {
			s.log.Info("starting HTTP server", "addr", s.cfg.Listen)
			if err := mainServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	s.registry.CloseAll()
	if err := shutdownServer(mainServer, shutdownTimeout); err != nil && runErr == nil {
		runErr = err
	}
	if challengeServer != nil {
		if err := shutdownServer(challengeServer, shutdownTimeout); err != nil && runErr == nil {
			runErr = err
		}
	}
	return runErr
}

// hostPolicy only lets autocert request certificates for the configured
// domain.
func (s *Server) hostPolicy() autocert.HostPolicy {
	allowed := netutil.NormalizeHost(s.cfg.TLSDomain)
	return func(_ context.Context, host string) error {
		if netutil.NormalizeHost(host) == allowed {
			return nil
		}
		return errors.New("host not allowed")
	}
}
