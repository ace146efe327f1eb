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
	"strings"

	"golang.org/x/net/idna"
)

// normalizeHostname lowercases and IDNA-normalizes (punycode) a hostname so
// that "café.example.com" and "xn--caf-dma.example.com" compare equal, per
// spec §3.
func normalizeHostname(host string) string {
	lower := strings.ToLower(strings.TrimSuffix(host, "."))
	ascii, err := idna.ToASCII(lower)
	if err != nil {
		// Not a valid IDNA label (e.g. a bare IP address) - compare the
		// lowercased form verbatim.
		return lower
	}
	return ascii
}

// matchHostname implements the wildcard rule from spec §3: a pattern
// beginning with "*." matches any single-label prefix of the hostname,
// case-insensitively, after IDNA normalization.
func matchHostname(pattern, hostname string) bool {
	pattern = normalizeHostname(pattern)
	hostname = normalizeHostname(hostname)

	if !strings.HasPrefix(pattern, "*.") {
		return pattern == hostname
	}

	suffix := pattern[1:] // ".example.com"
	if !strings.HasSuffix(hostname, suffix) {
		return false
	}
	label := strings.TrimSuffix(hostname, suffix)
	// The wildcard covers exactly one label: no further dots allowed.
	return label != "" && !strings.Contains(label, ".")
}

// matchesAny reports whether hostname matches the certificate's CN or any of
// its DNS SANs, per the wildcard rule above.
func matchesAny(hostname string, commonName string, dnsNames []string) bool {
	if commonName != "" && matchHostname(commonName, hostname) {
		return true
	}
	for _, name := range dnsNames {
		if matchHostname(name, hostname) {
			return true
		}
	}
	return false
}
