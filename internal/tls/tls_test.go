package tls

import (
	"crypto/tls"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-auth/internal/config"
)

func TestDevCertGenerator_WritesAndReuses(t *testing.T) {
	dir := t.TempDir()
	gen := NewDevCertGenerator(dir)

	cert, err := gen.GenerateCert([]string{"localhost", "127.0.0.1"})
	require.NoError(t, err)
	require.NotNil(t, cert.Leaf)
	assert.Contains(t, cert.Leaf.DNSNames, "localhost")
	assert.Len(t, cert.Leaf.IPAddresses, 1)

	// a fresh generator picks the files up instead of minting a new key
	again, err := NewDevCertGenerator(dir).GenerateCert([]string{"localhost"})
	require.NoError(t, err)
	assert.Equal(t, cert.Leaf.SerialNumber, again.Leaf.SerialNumber)
}

func TestDevCertGenerator_RegeneratesExpired(t *testing.T) {
	dir := t.TempDir()
	gen := NewDevCertGenerator(dir)
	first, err := gen.GenerateCert([]string{"localhost"})
	require.NoError(t, err)

	gen.now = func() time.Time { return time.Now().Add(devCertValidity + time.Hour) }
	second, err := gen.GenerateCert([]string{"localhost"})
	require.NoError(t, err)
	assert.NotEqual(t, first.Leaf.SerialNumber, second.Leaf.SerialNumber)
}

func TestTLSManager_ProductionHasNoSelfSignedFallback(t *testing.T) {
	m := NewTLSManager(config.ServerConfig{EnableTLS: true, AutoCertDir: t.TempDir()}, "production")
	_, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "auth.example.com"})
	assert.ErrorIs(t, err, ErrNoCertificate)

	dev := NewTLSManager(config.ServerConfig{EnableTLS: true, AutoCertDir: t.TempDir()}, "development")
	cert, err := dev.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	require.NoError(t, err)
	assert.NotNil(t, cert)

	cfg := dev.GetTLSConfig()
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Nil(t, dev.GetAutocertManager())
}
