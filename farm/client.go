// Package farm talks to the harvester RPC service that decides which plot
// directories are farmed. It is used to hide a destination directory while
// plots are written into it and to restore it afterwards.
package farm

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/franksops/gplow/remote"
)

// ErrRequestFailed is returned when the harvester answers with success=false.
var ErrRequestFailed = errors.New("harvester request failed")

// Certificates is the harvester's private CA and the client key pair, as
// PEM bytes.
type Certificates struct {
	CA   []byte
	Cert []byte
	Key  []byte
}

// FetchCertificates reads the certificate material from the farm host.
func FetchCertificates(ctx context.Context, exec remote.Executor, caPath, certPath, keyPath string) (Certificates, error) {
	var certs Certificates
	for _, f := range []struct {
		path string
		dst  *[]byte
	}{
		{caPath, &certs.CA},
		{certPath, &certs.Cert},
		{keyPath, &certs.Key},
	} {
		res, err := exec.Run(ctx, "cat "+remote.Quote(f.path))
		if err != nil {
			return Certificates{}, fmt.Errorf("read %s: %w", f.path, err)
		}
		if res.ExitCode != 0 {
			return Certificates{}, fmt.Errorf("read %s: %w", f.path, &remote.CommandError{
				Command:  "cat " + f.path,
				ExitCode: res.ExitCode,
				Stderr:   strings.TrimSpace(string(res.Stderr)),
			})
		}
		*f.dst = res.Stdout
	}
	return certs, nil
}

// TLSConfig builds a mutual-TLS client configuration. The server chain is
// verified against the private CA but its host name is not checked, since
// harvester certificates are not issued for the host they run on.
func (c Certificates) TLSConfig() (*tls.Config, error) {
	pair, err := tls.X509KeyPair(c.Cert, c.Key)
	if err != nil {
		return nil, fmt.Errorf("load client key pair: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(c.CA) {
		return nil, errors.New("no CA certificate found")
	}

	return &tls.Config{
		Certificates:       []tls.Certificate{pair},
		RootCAs:            pool,
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errors.New("server presented no certificate")
			}
			certs := make([]*x509.Certificate, len(rawCerts))
			for i, raw := range rawCerts {
				cert, err := x509.ParseCertificate(raw)
				if err != nil {
					return fmt.Errorf("parse server certificate: %w", err)
				}
				certs[i] = cert
			}
			intermediates := x509.NewCertPool()
			for _, cert := range certs[1:] {
				intermediates.AddCert(cert)
			}
			_, err := certs[0].Verify(x509.VerifyOptions{
				Roots:         pool,
				Intermediates: intermediates,
				KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
			})
			return err
		},
		MinVersion: tls.VersionTLS12,
	}, nil
}

// Client calls the harvester RPC endpoints.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a client for the harvester at host:port.
func NewClient(host string, port int, certs Certificates, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	tlsConfig, err := certs.TLSConfig()
	if err != nil {
		return nil, err
	}
	return newClient("https://"+net.JoinHostPort(host, strconv.Itoa(port)), tlsConfig, timeout, logger), nil
}

func newClient(baseURL string, tlsConfig *tls.Config, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http: &http.Client{
			Timeout:   timeout,
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
		},
		logger: logger.With("component", "farm"),
	}
}

type response struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type directoryRequest struct {
	Dirname string `json:"dirname"`
}

// AddDirectory starts farming dir.
func (c *Client) AddDirectory(ctx context.Context, dir string) error {
	var resp response
	if err := c.post(ctx, "add_plot_directory", directoryRequest{Dirname: dir}, &resp); err != nil {
		return err
	}
	c.logger.Info("plot directory added", "dir", dir)
	return nil
}

// RemoveDirectory stops farming dir.
func (c *Client) RemoveDirectory(ctx context.Context, dir string) error {
	var resp response
	if err := c.post(ctx, "remove_plot_directory", directoryRequest{Dirname: dir}, &resp); err != nil {
		return err
	}
	c.logger.Info("plot directory removed", "dir", dir)
	return nil
}

// PlotDirectories lists the directories currently farmed.
func (c *Client) PlotDirectories(ctx context.Context) ([]string, error) {
	var resp struct {
		response
		Directories []string `json:"directories"`
	}
	if err := c.post(ctx, "get_plot_directories", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return resp.Directories, nil
}

// Routes lists the RPC endpoints the harvester exposes.
func (c *Client) Routes(ctx context.Context) ([]string, error) {
	var resp struct {
		response
		Routes []string `json:"routes"`
	}
	if err := c.post(ctx, "get_routes", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return resp.Routes, nil
}

type successReporter interface {
	result() response
}

func (r response) result() response { return r }

func (c *Client) post(ctx context.Context, endpoint string, body any, out successReporter) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", endpoint, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug("harvester request", "endpoint", endpoint)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", endpoint, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %s", endpoint, resp.Status)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", endpoint, err)
	}
	if r := out.result(); !r.Success {
		return fmt.Errorf("%s: %w: %s", endpoint, ErrRequestFailed, r.Error)
	}
	return nil
}
