// Copyright 2026 The Blobvault Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blobvault/uploader/lib/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusOK)
		fmt.Fprintf(writer, "ok")
	})
}

// startServer runs the server until the test ends and returns its
// resolved address.
func startServer(t *testing.T, server *Server) (string, <-chan error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() {
		serveDone <- server.Serve(ctx)
	}()
	t.Cleanup(cancel)

	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "server ready")
	return server.Addr().String(), serveDone
}

func TestServerLifecycle(t *testing.T) {
	server := NewServer(ServerConfig{
		Address:         "127.0.0.1:0", // OS-assigned port
		Handler:         okHandler(),
		ShutdownTimeout: 2 * time.Second,
		Logger:          testLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- server.Serve(ctx)
	}()

	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "server ready")

	address := server.Addr().String()
	response, err := http.Get("http://" + address + "/test")
	if err != nil {
		t.Fatalf("GET /test: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Errorf("GET /test status = %d, want 200", response.StatusCode)
	}
	responseBody, _ := io.ReadAll(response.Body)
	if string(responseBody) != "ok" {
		t.Errorf("GET /test body = %q, want %q", responseBody, "ok")
	}

	// Cancel the context to trigger graceful shutdown.
	cancel()

	if err := testutil.RequireReceive(t, serveDone, 5*time.Second, "server shutdown"); err != nil {
		t.Errorf("Serve() = %v, want nil", err)
	}
}

func TestServerPanicsOnMissingConfig(t *testing.T) {
	handler := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})

	tests := []struct {
		name   string
		config ServerConfig
	}{
		{
			name:   "missing_address",
			config: ServerConfig{Handler: handler, Logger: testLogger()},
		},
		{
			name:   "missing_handler",
			config: ServerConfig{Address: ":0", Logger: testLogger()},
		},
		{
			name:   "missing_logger",
			config: ServerConfig{Address: ":0", Handler: handler},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if r := recover(); r == nil {
					t.Error("NewServer did not panic")
				}
			}()
			NewServer(tt.config)
		})
	}
}

func TestServerTLS(t *testing.T) {
	certFile, keyFile, certPEM := writeSelfSignedCert(t)

	tlsConfig, err := TLSConfig(certFile, keyFile, "")
	if err != nil {
		t.Fatalf("TLSConfig: %v", err)
	}

	server := NewServer(ServerConfig{
		Address:         "127.0.0.1:0",
		Handler:         okHandler(),
		TLS:             tlsConfig,
		ShutdownTimeout: 2 * time.Second,
		Logger:          testLogger(),
	})
	address, _ := startServer(t, server)

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(certPEM) {
		t.Fatal("appending test certificate to pool")
	}
	client := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool},
		},
	}

	response, err := client.Get("https://" + address + "/test")
	if err != nil {
		t.Fatalf("GET over TLS: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", response.StatusCode)
	}

	// Plaintext against the TLS listener must fail.
	if _, err := http.Get("http://" + address + "/test"); err == nil {
		t.Error("plaintext request against TLS listener succeeded")
	}
}

func TestServerConnectionLimitRejectsExcess(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	blocking := http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		close(entered)
		<-release
		writer.WriteHeader(http.StatusOK)
	})

	server := NewServer(ServerConfig{
		Address:         "127.0.0.1:0",
		Handler:         blocking,
		MaxConnections:  1,
		ShutdownTimeout: 2 * time.Second,
		Logger:          testLogger(),
	})
	address, _ := startServer(t, server)

	// Occupy the only slot with an in-flight request.
	first, err := net.Dial("tcp", address)
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	defer first.Close()
	if _, err := first.Write([]byte("GET /hold HTTP/1.1\r\nHost: test\r\n\r\n")); err != nil {
		t.Fatalf("write first request: %v", err)
	}
	testutil.RequireClosed(t, entered, 5*time.Second, "first request in flight")

	// The over-limit connection must be closed promptly, not queued.
	second, err := net.Dial("tcp", address)
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	buffer := make([]byte, 1)
	n, err := second.Read(buffer)
	if err == nil || n != 0 {
		t.Fatalf("over-limit connection got data (n=%d, err=%v), want immediate close", n, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		t.Fatal("over-limit connection was queued: read timed out instead of observing a close")
	}
}

func TestServerIdleTimeout(t *testing.T) {
	server := NewServer(ServerConfig{
		Address:         "127.0.0.1:0",
		Handler:         okHandler(),
		IdleTimeout:     100 * time.Millisecond,
		ShutdownTimeout: 2 * time.Second,
		Logger:          testLogger(),
	})
	address, _ := startServer(t, server)

	// Connect and send nothing; the rolling read deadline should get
	// the connection closed well before the client's own deadline.
	conn, err := net.Dial("tcp", address)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buffer := make([]byte, 1)
	if _, err := conn.Read(buffer); err == nil {
		t.Error("stalled connection was not closed")
	}
}

func TestTLSConfigErrors(t *testing.T) {
	certFile, keyFile, _ := writeSelfSignedCert(t)

	t.Run("missing_key_pair", func(t *testing.T) {
		if _, err := TLSConfig("/nonexistent/cert.pem", "/nonexistent/key.pem", ""); err == nil {
			t.Error("missing key pair accepted")
		}
	})

	t.Run("missing_client_ca", func(t *testing.T) {
		if _, err := TLSConfig(certFile, keyFile, "/nonexistent/ca.pem"); err == nil {
			t.Error("missing client CA bundle accepted")
		}
	})

	t.Run("empty_client_ca", func(t *testing.T) {
		empty := filepath.Join(t.TempDir(), "empty.pem")
		if err := os.WriteFile(empty, []byte("not a certificate"), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := TLSConfig(certFile, keyFile, empty); err == nil {
			t.Error("certificate-free CA bundle accepted")
		}
	})

	t.Run("mutual_tls_enabled", func(t *testing.T) {
		config, err := TLSConfig(certFile, keyFile, certFile)
		if err != nil {
			t.Fatalf("TLSConfig with client CA: %v", err)
		}
		if config.ClientAuth != tls.RequireAndVerifyClientCert {
			t.Errorf("ClientAuth = %v, want RequireAndVerifyClientCert", config.ClientAuth)
		}
	})
}

// writeSelfSignedCert generates a throwaway certificate for 127.0.0.1
// and writes the PEM pair under the test's temp directory.
func writeSelfSignedCert(t *testing.T) (certFile, keyFile string, certPEM []byte) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "uploader-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		IsCA:         true,

		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, certPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile, certPEM
}
