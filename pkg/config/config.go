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

// Package config loads certificates.json (spec §6) and holds the runtime
// configuration shared across a client invocation's CLI flags.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/x-stp/rdp-core-go/pkg/trustpolicy"
)

// LoadCertificatesFile reads and parses certificates.json at path into a
// trustpolicy.FileConfig. A missing file is not an error: it is equivalent
// to an all-zero-value FileConfig (no deny, no ignore, no trusted
// fingerprints), matching spec §7's "BadConfiguration" being reserved for
// malformed input, not absent input.
func LoadCertificatesFile(path string) (trustpolicy.FileConfig, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return trustpolicy.FileConfig{}, nil
	}
	if err != nil {
		return trustpolicy.FileConfig{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var fc trustpolicy.FileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return trustpolicy.FileConfig{}, fmt.Errorf("%w: %s: %v", trustpolicy.ErrBadConfiguration, path, err)
	}
	return fc, nil
}

// Runtime holds the configuration a CLI invocation assembles from flags
// and certificates.json before constructing the session components.
type Runtime struct {
	Target   string
	Username string
	Domain   string

	KnownHostsPath       string
	CertificatesJSONPath string
	PersistentCachePath  string
	KeyLogPath           string

	IgnoreCertificate bool
	AutoDenyChanged   bool

	BitmapCacheCapacities []int

	MetricsAddr string
}

// DefaultRuntime returns the baseline configuration used when no flags
// override it, following the teacher's DefaultClientOptions/DefaultTLSConfig
// pattern of one well-documented zero-value constructor per configurable
// type.
func DefaultRuntime() Runtime {
	return Runtime{
		BitmapCacheCapacities: []int{600, 600, 2560}, // cells 0-2, matching MS-RDPBCGR's typical default cache sizes
	}
}

// Validate reports a BadConfiguration error for any out-of-range value
// (spec §7 BadConfiguration: "fatal at session start").
func (r Runtime) Validate() error {
	if r.Target == "" {
		return fmt.Errorf("%w: target is required", trustpolicy.ErrBadConfiguration)
	}
	for i, c := range r.BitmapCacheCapacities {
		if c <= 0 {
			return fmt.Errorf("%w: bitmap cache cell %d has non-positive capacity %d", trustpolicy.ErrBadConfiguration, i, c)
		}
	}
	return nil
}
