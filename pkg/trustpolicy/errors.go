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

import "errors"

// Fatal error taxonomy (spec §7). All of these propagate; none are retried
// by the caller.
var (
	// ErrCertificateMalformed means no usable key/PEM/fingerprint could be
	// extracted from the presented certificate.
	ErrCertificateMalformed = errors.New("trustpolicy: certificate malformed")
	// ErrCertificateRejected means a user or policy decision refused the
	// certificate.
	ErrCertificateRejected = errors.New("trustpolicy: certificate rejected")
	// ErrCertificatePolicyDenied means certificates.json's "deny" rule
	// fired for this connection.
	ErrCertificatePolicyDenied = errors.New("trustpolicy: certificate denied by configuration")
	// ErrBadConfiguration means a configuration value was out of range or
	// unparsable.
	ErrBadConfiguration = errors.New("trustpolicy: bad configuration")
)
