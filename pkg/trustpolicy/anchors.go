// RDP client core - TLS trust resolution and bitmap caching
// Copyright (C) 2025 - Pepijn van der Stap, pepijn@neosecurity.nl
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package trustpolicy

import (
	"github.com/zmap/zcrypto/x509"
)

// SystemAnchors verifies a certificate's chain against the host's system
// root pool, the ordinary case when no accepted-fingerprint or
// certificate-db shortcut applies.
type SystemAnchors struct {
	roots *x509.CertPool
}

// NewSystemAnchors loads the platform's root certificate pool. Roots is left
// nil so that Certificate.Verify falls back to the platform's system roots.
func NewSystemAnchors() (*SystemAnchors, error) {
	return &SystemAnchors{roots: nil}, nil
}

// Verify implements TrustAnchors.
func (a *SystemAnchors) Verify(cert *x509.Certificate) error {
	_, _, _, err := cert.Verify(x509.VerifyOptions{Roots: a.roots})
	return err
}
