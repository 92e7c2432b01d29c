package httpclient

import (
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"time"

	"github.com/lucasew/disklru/internal/errutil"
)

// NewClient creates an http.Client trusting the system CAs plus caCert, when given.
// A zero timeout means none; fills of large blobs are bounded by the request context.
func NewClient(caCert *tls.Certificate, timeout time.Duration) *http.Client {
	if caCert == nil && timeout == 0 {
		return http.DefaultClient
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()

	if caCert != nil {
		rootCAs, err := x509.SystemCertPool()
		if err != nil || rootCAs == nil {
			rootCAs = x509.NewCertPool()
		}

		if len(caCert.Certificate) > 0 {
			cert, err := x509.ParseCertificate(caCert.Certificate[0])
			if err == nil {
				rootCAs.AddCert(cert)
			} else {
				errutil.ReportError(err, "Failed to parse custom CA certificate")
			}
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: rootCAs}
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
