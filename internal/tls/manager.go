package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"marketplace-auth/internal/config"
	"marketplace-auth/internal/util"
)

// ErrNoCertificate is returned in production when neither ACME nor a configured
// key pair can serve the handshake
var ErrNoCertificate = errors.New("no certificate available")

// TLSManager picks a certificate per handshake: ACME, then the configured key pair,
// then (outside production) a self-signed development certificate.
type TLSManager struct {
	server     config.ServerConfig
	production bool
	autoCert   *autocert.Manager
	dev        *DevCertGenerator
}

func NewTLSManager(server config.ServerConfig, environment string) *TLSManager {
	m := &TLSManager{
		server:     server,
		production: environment == "production",
	}
	if server.AutoCert && server.EnableTLS {
		m.setupAutoCert()
	}
	if !m.production {
		m.dev = NewDevCertGenerator(server.AutoCertDir)
	}
	return m
}

func (m *TLSManager) setupAutoCert() {
	if err := os.MkdirAll(m.server.AutoCertDir, 0o700); err != nil {
		util.Warn("Could not create autocert directory", zap.Error(err))
		return
	}

	m.autoCert = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(m.server.Domain),
		Cache:      autocert.DirCache(m.server.AutoCertDir),
		Email:      m.server.Email,
	}

	util.Info("AutoCert configured",
		zap.String("domain", m.server.Domain),
		zap.String("cache_dir", m.server.AutoCertDir))
}

func (m *TLSManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		if cert, err := m.autoCert.GetCertificate(hello); err == nil {
			return cert, nil
		}
	}

	if m.server.CertFile != "" && m.server.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(m.server.CertFile, m.server.KeyFile)
		if err == nil {
			return &cert, nil
		}
		util.Warn("Configured key pair failed to load", zap.Error(err))
	}

	if m.dev == nil {
		return nil, ErrNoCertificate
	}
	hosts := []string{"localhost", "127.0.0.1", "::1"}
	if m.server.Domain != "" {
		hosts = append(hosts, m.server.Domain)
	}
	cert, err := m.dev.GenerateCert(hosts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	return &cert, nil
}

func (m *TLSManager) GetTLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
}

// GetAutocertManager is nil unless ACME is configured; the HTTP listener uses it
// to answer http-01 challenges
func (m *TLSManager) GetAutocertManager() *autocert.Manager {
	return m.autoCert
}
