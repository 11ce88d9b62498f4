// Doomsday
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package storage

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/doomsday/lib/defaults"
)

// newTLSKeyPair self-signs a serving certificate and returns it along
// with its PEM encoding.
func newTLSKeyPair(t *testing.T, notAfter time.Time) (tls.Certificate, []byte) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "web.example.com"},
		NotBefore:    notAfter.Add(-24 * time.Hour),
		NotAfter:     notAfter,
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key},
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

// startTLSServer listens on a loopback port and completes handshakes
// until the test ends.
func startTLSServer(t *testing.T, cfg *tls.Config) int {
	t.Helper()

	ln, err := tls.Listen("tcp", "127.0.0.1:0", cfg)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				_ = conn.(*tls.Conn).Handshake()
				conn.Close()
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestTLSClientList(t *testing.T) {
	t.Parallel()

	cert, pemBytes := newTLSKeyPair(t, time.Now().Add(24*time.Hour))
	port := startTLSServer(t, &tls.Config{Certificates: []tls.Certificate{cert}})

	client, err := NewTLSClient("edge", TLSClientConfig{
		Targets: []TLSTarget{{Host: "127.0.0.1", Port: port}},
	})
	require.NoError(t, err)

	items, err := client.List(context.Background())
	require.NoError(t, err)
	require.Equal(t, []Item{
		{Path: fmt.Sprintf("127.0.0.1:%d", port), PEM: pemBytes},
	}, items)
}

func TestTLSClientServerName(t *testing.T) {
	t.Parallel()

	cert, _ := newTLSKeyPair(t, time.Now().Add(24*time.Hour))
	serverNames := make(chan string, 8)
	port := startTLSServer(t, &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			select {
			case serverNames <- hello.ServerName:
			default:
			}
			return &cert, nil
		},
	})

	client, err := NewTLSClient("edge", TLSClientConfig{
		Targets: []TLSTarget{{Host: "127.0.0.1", Port: port, ServerName: "web.example.com"}},
	})
	require.NoError(t, err)

	items, err := client.List(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "web.example.com", <-serverNames)
}

func TestTLSClientCapturesExpiredLeaf(t *testing.T) {
	t.Parallel()

	cert, _ := newTLSKeyPair(t, time.Now().Add(-48*time.Hour))
	port := startTLSServer(t, &tls.Config{Certificates: []tls.Certificate{cert}})

	client, err := NewTLSClient("edge", TLSClientConfig{
		Targets: []TLSTarget{{Host: "127.0.0.1", Port: port}},
	})
	require.NoError(t, err)

	items, err := client.List(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)

	block, _ := pem.Decode(items[0].PEM)
	require.NotNil(t, block)
	parsed, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	require.True(t, parsed.NotAfter.Before(time.Now()))
}

func TestTLSClientConnectionRefused(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	client, err := NewTLSClient("edge", TLSClientConfig{
		Targets: []TLSTarget{{Host: "127.0.0.1", Port: port}},
	})
	require.NoError(t, err)

	items, err := client.List(context.Background())
	require.Error(t, err)
	require.True(t, trace.IsConnectionProblem(err))
	require.Equal(t, ErrorKindTransient, ErrorKind(err))
	require.Nil(t, items)
}

func TestTLSClientConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := TLSClientConfig{Targets: []TLSTarget{{Host: "db.example.com"}}}
	require.NoError(t, cfg.CheckAndSetDefaults())
	require.Equal(t, defaults.TLSTargetPort, cfg.Targets[0].Port)

	err := (&TLSClientConfig{}).CheckAndSetDefaults()
	require.True(t, trace.IsBadParameter(err))
	err = (&TLSClientConfig{Targets: []TLSTarget{{Port: 443}}}).CheckAndSetDefaults()
	require.True(t, trace.IsBadParameter(err))
}
