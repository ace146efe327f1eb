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
	"crypto"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"strings"

	"github.com/zmap/zcrypto/x509"
)

// ChannelBindingPrefix is the fixed ASCII prefix for the RFC 5929
// "tls-server-end-point" channel-binding token.
const ChannelBindingPrefix = "tls-server-end-point:"

// bindingHash picks the hash used to derive a channel-binding token for a
// certificate signed under alg: RFC 5929 mandates upgrading MD5/SHA-1 to
// SHA-256; any stronger algorithm uses its own digest.
func bindingHash(alg x509.SignatureAlgorithm) crypto.Hash {
	name := strings.ToUpper(alg.String())
	switch {
	case strings.Contains(name, "MD5"), strings.Contains(name, "MD2"), strings.Contains(name, "SHA1"):
		return crypto.SHA256
	case strings.Contains(name, "SHA512"):
		return crypto.SHA512
	case strings.Contains(name, "SHA384"):
		return crypto.SHA384
	default:
		return crypto.SHA256
	}
}

// ChannelBindingToken computes "tls-server-end-point:" || hash(cert.Raw) per
// spec §4.3, applying the MD5/SHA-1-to-SHA-256 upgrade rule.
func ChannelBindingToken(cert *x509.Certificate) string {
	h := bindingHash(cert.SignatureAlgorithm)
	var sum []byte
	switch h {
	case crypto.SHA384:
		d := sha512.Sum384(cert.Raw)
		sum = d[:]
	case crypto.SHA512:
		d := sha512.Sum512(cert.Raw)
		sum = d[:]
	default:
		d := sha256.Sum256(cert.Raw)
		sum = d[:]
	}
	return ChannelBindingPrefix + hex.EncodeToString(sum)
}

// Fingerprint computes a hex fingerprint of the certificate under the named
// hash algorithm ("sha1", "sha256", "md5" — as they would appear in
// certificates.json's certificate-db entries or an accepted-fingerprint
// list).
func Fingerprint(cert *x509.Certificate, algorithm string) string {
	var sum []byte
	switch strings.ToLower(algorithm) {
	case "md5":
		s := md5.Sum(cert.Raw)
		sum = s[:]
	case "sha1":
		s := sha1.Sum(cert.Raw)
		sum = s[:]
	default:
		s := sha256.Sum256(cert.Raw)
		sum = s[:]
	}
	return hex.EncodeToString(sum)
}

// normalizeFingerprint strips the "aa:bb:cc" colon separators some
// configuration formats use, so stored and presented fingerprints compare
// equal regardless of formatting (spec §4.2 step 1: "compare ... in both
// separated and unseparated forms").
func normalizeFingerprint(fp string) string {
	return strings.ToLower(strings.ReplaceAll(fp, ":", ""))
}

// fingerprintMatchesAny reports whether fp (unseparated or colon-separated)
// matches any entry in candidates, comparing both forms.
func fingerprintMatchesAny(fp string, candidates []string) bool {
	normalized := normalizeFingerprint(fp)
	for _, c := range candidates {
		if normalizeFingerprint(c) == normalized {
			return true
		}
	}
	return false
}
