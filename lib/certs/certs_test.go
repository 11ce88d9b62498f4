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

package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newCertPEM self-signs the given template and returns its PEM encoding
// along with the DER bytes.
func newCertPEM(t *testing.T, template *x509.Certificate) (pemBytes, der []byte) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	if template.SerialNumber == nil {
		template.SerialNumber = big.NewInt(1)
	}
	if template.NotAfter.IsZero() {
		template.NotBefore = time.Now().Add(-time.Hour)
		template.NotAfter = time.Now().Add(24 * time.Hour)
	}

	der, err = x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), der
}

func TestDecodeSingle(t *testing.T) {
	t.Parallel()

	notAfter := time.Date(2027, 3, 14, 9, 26, 53, 0, time.UTC)
	pemBytes, der := newCertPEM(t, &x509.Certificate{
		Subject:   pkix.Name{CommonName: "web.example.com", Organization: []string{"Example"}},
		NotBefore: notAfter.Add(-24 * time.Hour),
		NotAfter:  notAfter,
	})

	decoded, skipped := Decode(pemBytes)
	require.Zero(t, skipped)
	require.Len(t, decoded, 1)
	require.Equal(t, Fingerprint(sha1.Sum(der)), decoded[0].Fingerprint)
	require.Equal(t, "CN=web.example.com,O=Example", decoded[0].Subject)
	require.Equal(t, notAfter, decoded[0].NotAfter)
	require.Equal(t, time.UTC, decoded[0].NotAfter.Location())
}

func TestDecodeChain(t *testing.T) {
	t.Parallel()

	leaf, leafDER := newCertPEM(t, &x509.Certificate{
		Subject: pkix.Name{CommonName: "leaf"},
	})
	intermediate, intermediateDER := newCertPEM(t, &x509.Certificate{
		Subject: pkix.Name{CommonName: "intermediate"},
	})
	root, rootDER := newCertPEM(t, &x509.Certificate{
		Subject: pkix.Name{CommonName: "root"},
	})

	blob := append(append(leaf, intermediate...), root...)
	decoded, skipped := Decode(blob)
	require.Zero(t, skipped)
	require.Len(t, decoded, 3)

	// every block becomes its own record, leaf first
	require.Equal(t, Fingerprint(sha1.Sum(leafDER)), decoded[0].Fingerprint)
	require.Equal(t, Fingerprint(sha1.Sum(intermediateDER)), decoded[1].Fingerprint)
	require.Equal(t, Fingerprint(sha1.Sum(rootDER)), decoded[2].Fingerprint)
	require.Equal(t, "CN=leaf", decoded[0].Subject)
}

func TestDecodeSkipsNonCertificateBlocks(t *testing.T) {
	t.Parallel()

	certPEM, _ := newCertPEM(t, &x509.Certificate{
		Subject: pkix.Name{CommonName: "with-key"},
	})
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	blob := append(append([]byte{}, keyPEM...), certPEM...)
	decoded, skipped := Decode(blob)
	require.Zero(t, skipped)
	require.Len(t, decoded, 1)
	require.Equal(t, "CN=with-key", decoded[0].Subject)
}

func TestDecodeCountsCorruptBlocks(t *testing.T) {
	t.Parallel()

	good, _ := newCertPEM(t, &x509.Certificate{
		Subject: pkix.Name{CommonName: "good"},
	})
	corrupt := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte("not a certificate")})

	blob := append(append([]byte{}, corrupt...), good...)
	decoded, skipped := Decode(blob)
	require.Equal(t, 1, skipped)
	require.Len(t, decoded, 1)
	require.Equal(t, "CN=good", decoded[0].Subject)
}

func TestDecodeSubjectFallbacks(t *testing.T) {
	t.Parallel()

	dnsOnly, _ := newCertPEM(t, &x509.Certificate{
		DNSNames: []string{"san.example.com", "alt.example.com"},
	})
	decoded, _ := Decode(dnsOnly)
	require.Len(t, decoded, 1)
	require.Equal(t, "san.example.com", decoded[0].Subject)

	ipOnly, _ := newCertPEM(t, &x509.Certificate{
		IPAddresses: []net.IP{net.ParseIP("10.0.0.5")},
	})
	decoded, _ = Decode(ipOnly)
	require.Len(t, decoded, 1)
	require.Equal(t, "10.0.0.5", decoded[0].Subject)

	nothing, _ := newCertPEM(t, &x509.Certificate{})
	decoded, _ = Decode(nothing)
	require.Len(t, decoded, 1)
	require.Equal(t, NoSubject, decoded[0].Subject)
}

func TestDecodeGarbage(t *testing.T) {
	t.Parallel()

	decoded, skipped := Decode([]byte("this is not pem at all"))
	require.Zero(t, skipped)
	require.Empty(t, decoded)

	decoded, skipped = Decode(nil)
	require.Zero(t, skipped)
	require.Empty(t, decoded)
}
