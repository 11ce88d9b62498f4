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

// Package certs decodes PEM blobs harvested from storage backends into the
// certificate identity tuples tracked by the cache.
package certs

import (
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"time"
)

// NoSubject is the display subject of a certificate that carries neither a
// Subject DN nor any subject alternative name.
const NoSubject = "<no subject>"

// Fingerprint identifies a certificate by the SHA-1 digest of its DER
// encoding. SHA-1 is used for identity only, never trust, so fingerprints
// stay comparable across sources and with external tooling.
type Fingerprint [sha1.Size]byte

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Certificate is one decoded certificate block.
type Certificate struct {
	// Fingerprint is the SHA-1 digest of the DER encoding.
	Fingerprint Fingerprint
	// Subject is the RFC 4514 form of the Subject DN, falling back to the
	// first SAN, falling back to NoSubject.
	Subject string
	// NotAfter is the expiry instant in UTC.
	NotAfter time.Time
}

// Decode parses every CERTIFICATE block in blob and returns one
// Certificate per block, leaf first. PEM blocks of other types, private
// keys and CSRs included, are skipped silently. A CERTIFICATE block that
// fails X.509 parsing is counted in skipped and does not abort the rest of
// the blob.
func Decode(blob []byte) (certs []Certificate, skipped int) {
	for {
		var block *pem.Block
		block, blob = pem.Decode(blob)
		if block == nil {
			return certs, skipped
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			skipped++
			continue
		}
		certs = append(certs, Certificate{
			Fingerprint: sha1.Sum(block.Bytes),
			Subject:     subjectString(cert),
			NotAfter:    cert.NotAfter.UTC(),
		})
	}
}

func subjectString(cert *x509.Certificate) string {
	if s := cert.Subject.String(); s != "" {
		return s
	}
	if len(cert.DNSNames) > 0 {
		return cert.DNSNames[0]
	}
	if len(cert.IPAddresses) > 0 {
		return cert.IPAddresses[0].String()
	}
	if len(cert.EmailAddresses) > 0 {
		return cert.EmailAddresses[0]
	}
	if len(cert.URIs) > 0 {
		return cert.URIs[0].String()
	}
	return NoSubject
}
