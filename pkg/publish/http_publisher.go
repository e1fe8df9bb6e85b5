/*
Copyright 2026 openUKR Contributors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package publish

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/openukr/certpublisher/pkg/crypto"
)

// HTTPPublisherName is the className of the HTTP plugin.
const HTTPPublisherName = "http"

const defaultHTTPTimeout = 10 * time.Second

// HTTPPublisher POSTs certificates and CRLs in PEM form to an HTTP endpoint.
//
// Properties: "endpoint" (required), "crlEndpoint" (defaults to endpoint),
// "timeout" and "insecureSkipVerify". HTTPS is required unless
// insecureSkipVerify is set.
type HTTPPublisher struct {
	endpoint    string
	crlEndpoint string
	client      *http.Client
}

// NewHTTPPublisher creates an HTTP plugin from its properties.
func NewHTTPPublisher(props map[string]string) (CustomPublisher, error) {
	cfg := Config(props)

	endpoint := cfg.String("endpoint", "")
	if endpoint == "" {
		return nil, fmt.Errorf("%w: missing 'endpoint' property", ErrInvalidConfig)
	}
	crlEndpoint := cfg.String("crlEndpoint", endpoint)

	insecure, err := cfg.Bool(KeyInsecureSkipVerify, false)
	if err != nil {
		return nil, err
	}
	timeout, err := cfg.Duration(KeyTimeout, defaultHTTPTimeout)
	if err != nil {
		return nil, err
	}

	// [SEC:T-2] HTTPS required unless explicitly skipped
	for _, u := range []string{endpoint, crlEndpoint} {
		if !strings.HasPrefix(u, "https://") && !insecure {
			return nil, fmt.Errorf("%w: endpoint must use HTTPS (got %q); set insecureSkipVerify to allow HTTP", ErrInvalidConfig, u)
		}
	}

	client := &http.Client{Timeout: timeout}
	if insecure {
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion:         tls.VersionTLS12,
				InsecureSkipVerify: true, //nolint:gosec // operator opt-in
			},
		}
	}

	return &HTTPPublisher{endpoint: endpoint, crlEndpoint: crlEndpoint, client: client}, nil
}

func (p *HTTPPublisher) StoreCertificate(ctx context.Context, cert *Certificate) error {
	serial, err := crypto.SerialNumber(cert.DER)
	if err != nil {
		return err
	}

	headers := http.Header{}
	headers.Set("Content-Type", "application/x-pem-file")
	headers.Set("X-Fingerprint", crypto.Fingerprint(cert.DER))
	headers.Set("X-Serial-Number", serial)
	headers.Set("X-Certificate-Status", string(cert.Status))
	if cert.Revoked() {
		headers.Set("X-Revocation-Reason", strconv.Itoa(cert.RevocationReason))
	}

	return p.post(ctx, p.endpoint, crypto.EncodeCertificatePEM(cert.DER), headers)
}

func (p *HTTPPublisher) StoreCRL(ctx context.Context, crl *CRL) error {
	headers := http.Header{}
	headers.Set("Content-Type", "application/pkix-crl")
	headers.Set("X-CRL-Number", strconv.FormatInt(crl.Number, 10))
	headers.Set("X-Delta-CRL", strconv.FormatBool(crl.Delta))
	return p.post(ctx, p.crlEndpoint, crypto.EncodeCRLPEM(crl.DER), headers)
}

// TestConnection sends a HEAD request to the certificate endpoint. Any
// response below 500 counts as reachable.
func (p *HTTPPublisher) TestConnection(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", p.endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("server returned error: %s", resp.Status)
	}
	return nil
}

func (p *HTTPPublisher) post(ctx context.Context, endpoint string, body []byte, headers http.Header) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header = headers

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	// [SEC:S-4] Limit response body read to prevent OOM from malicious servers
	const maxResponseBody = 1 << 20 // 1 MB
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned error: %s", resp.Status)
	}
	return nil
}

// Close releases idle connections.
func (p *HTTPPublisher) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
