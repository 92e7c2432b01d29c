package proxy

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/lucasew/disklru/internal/errutil"
)

// GenerateCA generates a self-signed CA certificate and private key and writes them to
// the specified paths. The key file is only readable by its owner.
func GenerateCA(certPath, keyPath string) error {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("failed to generate private key: %w", err)
	}

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"disklru Proxy CA"},
			CommonName:   "disklru CA",
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return fmt.Errorf("failed to create certificate: %w", err)
	}

	if err := writePEM(certPath, 0o644, &pem.Block{Type: "CERTIFICATE", Bytes: derBytes}); err != nil {
		return err
	}
	return writePEM(keyPath, 0o600, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
}

func writePEM(path string, perm os.FileMode, block *pem.Block) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("failed to open %s for writing: %w", path, err)
	}
	if err := pem.Encode(out, block); err != nil {
		errutil.LogMsg(out.Close(), "Failed to close file", "path", path)
		return fmt.Errorf("failed to write data to %s: %w", path, err)
	}
	return out.Close()
}

// LoadCA loads the CA keypair used to intercept HTTPS, preferring inline PEM content
// over files. It returns nil when neither is configured.
func LoadCA(certContent, keyContent, certPath, keyPath string) (*tls.Certificate, error) {
	switch {
	case certContent != "" && keyContent != "":
		slog.Info("Loading CA certificate from content")
		cert, err := tls.X509KeyPair([]byte(certContent), []byte(keyContent))
		if err != nil {
			return nil, fmt.Errorf("failed to parse CA content: %w", err)
		}
		return &cert, nil
	case certPath != "" && keyPath != "":
		slog.Info("Loading CA certificate from file", "cert", certPath, "key", keyPath)
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load CA keypair from file: %w", err)
		}
		return &cert, nil
	default:
		return nil, nil
	}
}
