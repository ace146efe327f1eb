package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/x-stp/rdp-core-go/pkg/trustpolicy"
)

func TestLoadCertificatesFileMissingIsZeroValue(t *testing.T) {
	fc, err := LoadCertificatesFile(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	require.Equal(t, trustpolicy.FileConfig{}, fc)
}

func TestLoadCertificatesFileParsesKnownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "certificates.json")
	contents := `{
		"deny": false,
		"ignore": true,
		"deny-userconfig": false,
		"certificate-db": [
			{"type": "sha256", "hash": "deadbeef"}
		]
	}`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	fc, err := LoadCertificatesFile(path)
	require.NoError(t, err)
	require.True(t, fc.Ignore)
	require.False(t, fc.Deny)
	require.Len(t, fc.CertificateDB, 1)
	require.Equal(t, "sha256", fc.CertificateDB[0].Type)
	require.Equal(t, "deadbeef", fc.CertificateDB[0].Hash)
}

func TestLoadCertificatesFileRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "certificates.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := LoadCertificatesFile(path)
	require.ErrorIs(t, err, trustpolicy.ErrBadConfiguration)
}

func TestRuntimeValidateRequiresTarget(t *testing.T) {
	r := DefaultRuntime()
	err := r.Validate()
	require.ErrorIs(t, err, trustpolicy.ErrBadConfiguration)

	r.Target = "host.example.com:3389"
	require.NoError(t, r.Validate())
}

func TestRuntimeValidateRejectsNonPositiveCapacity(t *testing.T) {
	r := DefaultRuntime()
	r.Target = "host.example.com:3389"
	r.BitmapCacheCapacities = []int{600, 0, 2560}

	err := r.Validate()
	require.ErrorIs(t, err, trustpolicy.ErrBadConfiguration)
}
