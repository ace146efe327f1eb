package trustpolicy

import (
	"crypto/rand"
	"crypto/rsa"
	stdx509 "crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	zx509 "github.com/zmap/zcrypto/x509"

	"github.com/x-stp/rdp-core-go/pkg/certstore"
)

var errBoom = errors.New("chain verification stub: forced failure")

// stubAnchors lets tests force chain verification to succeed or fail
// without constructing a real CA hierarchy.
type stubAnchors struct{ err error }

func (s stubAnchors) Verify(cert *zx509.Certificate) error { return s.err }

// selfSignedCert builds a minimal self-signed certificate for the given
// common name / SAN, usable as a PresentedCertificate in tests. It is built
// with the standard library's x509 package (which can mint certificates)
// and re-parsed with zcrypto's x509 package (what the policy consumes),
// since the two share a DER wire format.
func selfSignedCert(t *testing.T, commonName string, dnsNames []string) *zx509.Certificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &stdx509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: commonName},
		DNSNames:     dnsNames,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := stdx509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	cert, err := zx509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func TestVerifyAcceptsViaAcceptedFingerprintList(t *testing.T) {
	cert := selfSignedCert(t, "rdp.example.com", nil)
	fp := Fingerprint(cert, "sha256")

	p := &Policy{Config: Config{AcceptedFingerprints: []string{fp}}}
	presented, err := ExtractPresentedCertificate(cert)
	require.NoError(t, err)

	require.NoError(t, p.Verify(presented, "rdp.example.com", 3389, TransportDirect))
}

func TestVerifyAcceptsViaChainAndHostnameMatch(t *testing.T) {
	cert := selfSignedCert(t, "rdp.example.com", []string{"rdp.example.com"})
	presented, err := ExtractPresentedCertificate(cert)
	require.NoError(t, err)

	p := &Policy{Anchors: stubAnchors{err: nil}}
	require.NoError(t, p.Verify(presented, "rdp.example.com", 3389, TransportDirect))
}

func TestVerifyFileConfigDenyWinsOverIgnore(t *testing.T) {
	cert := selfSignedCert(t, "rdp.example.com", nil)
	presented, err := ExtractPresentedCertificate(cert)
	require.NoError(t, err)

	p := &Policy{
		Anchors: stubAnchors{err: errBoom},
		File:    FileConfig{Deny: true, Ignore: true},
	}
	err = p.Verify(presented, "rdp.example.com", 3389, TransportDirect)
	require.ErrorIs(t, err, ErrCertificatePolicyDenied)
}

func TestVerifyFileConfigIgnoreAcceptsWhenDenyUnset(t *testing.T) {
	cert := selfSignedCert(t, "rdp.example.com", nil)
	presented, err := ExtractPresentedCertificate(cert)
	require.NoError(t, err)

	p := &Policy{
		Anchors: stubAnchors{err: errBoom},
		File:    FileConfig{Ignore: true},
	}
	require.NoError(t, p.Verify(presented, "rdp.example.com", 3389, TransportDirect))
}

func TestVerifyFileConfigCertificateDBMatch(t *testing.T) {
	cert := selfSignedCert(t, "rdp.example.com", nil)
	presented, err := ExtractPresentedCertificate(cert)
	require.NoError(t, err)

	p := &Policy{
		Anchors: stubAnchors{err: errBoom},
		File: FileConfig{
			CertificateDB: []CertificateDBEntry{
				{Type: "sha256", Hash: Fingerprint(cert, "sha256")},
			},
		},
	}
	require.NoError(t, p.Verify(presented, "rdp.example.com", 3389, TransportDirect))
}

func TestVerifyStoreMissingCallsNewIdentityCallback(t *testing.T) {
	dir := t.TempDir()
	store, err := certstore.Open(filepath.Join(dir, "known_hosts.json"), nil)
	require.NoError(t, err)

	cert := selfSignedCert(t, "rdp.example.com", nil)
	presented, err := ExtractPresentedCertificate(cert)
	require.NoError(t, err)

	var sawNew bool
	p := &Policy{
		Anchors: stubAnchors{err: errBoom},
		Store:   store,
		Callbacks: Callbacks{
			OnNewIdentity: func(f NewIdentityFlags) Verdict {
				sawNew = true
				require.Equal(t, "rdp.example.com", f.Host)
				return VerdictAcceptPermanent
			},
		},
	}
	before := time.Now()
	require.NoError(t, p.Verify(presented, "rdp.example.com", 3389, TransportDirect))
	require.True(t, sawNew)

	// Verify persisted a real timestamp, not a zero-value Identity built
	// by hand: applyVerdict must stamp LastSeen itself.
	saved, ok := store.Load("rdp.example.com", 3389)
	require.True(t, ok)
	require.False(t, saved.LastSeen.IsZero())
	require.False(t, saved.FirstSeen.IsZero())
	require.WithinDuration(t, saved.LastSeen, saved.FirstSeen, time.Second)
	require.True(t, !saved.LastSeen.Before(before))

	// The acceptance was persisted: a second verification against the
	// same certificate now matches the store directly, without the
	// callback firing again.
	sawNew = false
	require.NoError(t, p.Verify(presented, "rdp.example.com", 3389, TransportDirect))
	require.False(t, sawNew)
}

func TestVerifyStoreChangedRejectsByDefault(t *testing.T) {
	dir := t.TempDir()
	store, err := certstore.Open(filepath.Join(dir, "known_hosts.json"), nil)
	require.NoError(t, err)
	require.NoError(t, store.Save(certstore.Identity{
		Hostname: "rdp.example.com", Port: 3389,
		Fingerprint: "not-the-real-fingerprint", LastSeen: time.Now(),
	}))

	cert := selfSignedCert(t, "rdp.example.com", nil)
	presented, err := ExtractPresentedCertificate(cert)
	require.NoError(t, err)

	p := &Policy{Anchors: stubAnchors{err: errBoom}, Store: store}
	err = p.Verify(presented, "rdp.example.com", 3389, TransportDirect)
	require.ErrorIs(t, err, ErrCertificateRejected)
}

func TestVerifyStoreChangedAutoDeny(t *testing.T) {
	dir := t.TempDir()
	store, err := certstore.Open(filepath.Join(dir, "known_hosts.json"), nil)
	require.NoError(t, err)
	require.NoError(t, store.Save(certstore.Identity{
		Hostname: "rdp.example.com", Port: 3389,
		Fingerprint: "not-the-real-fingerprint", LastSeen: time.Now(),
	}))

	cert := selfSignedCert(t, "rdp.example.com", nil)
	presented, err := ExtractPresentedCertificate(cert)
	require.NoError(t, err)

	called := false
	p := &Policy{
		Anchors: stubAnchors{err: errBoom},
		Store:   store,
		Config:  Config{AutoDenyChanged: true},
		Callbacks: Callbacks{
			OnChangedIdentity: func(ChangedIdentityFlags) Verdict {
				called = true
				return VerdictAcceptPermanent
			},
		},
	}
	err = p.Verify(presented, "rdp.example.com", 3389, TransportDirect)
	require.ErrorIs(t, err, ErrCertificateRejected)
	require.False(t, called)
}

func TestVerifyExternalManagementRejectShortCircuits(t *testing.T) {
	cert := selfSignedCert(t, "rdp.example.com", nil)
	presented, err := ExtractPresentedCertificate(cert)
	require.NoError(t, err)

	p := &Policy{
		Callbacks: Callbacks{
			ExternalManagement: func(pemData, host string, port int) Verdict {
				return VerdictReject
			},
		},
	}
	err = p.Verify(presented, "rdp.example.com", 3389, TransportDirect)
	require.ErrorIs(t, err, ErrCertificateRejected)
}

func TestVerifyIgnoreCertificateAcceptsUnconditionally(t *testing.T) {
	cert := selfSignedCert(t, "mismatched-name.example.com", nil)
	presented, err := ExtractPresentedCertificate(cert)
	require.NoError(t, err)

	p := &Policy{
		Anchors: stubAnchors{err: errBoom},
		Config:  Config{IgnoreCertificate: true},
	}
	require.NoError(t, p.Verify(presented, "rdp.example.com", 3389, TransportDirect))
}

func TestExtractPresentedCertificateRejectsEmpty(t *testing.T) {
	_, err := ExtractPresentedCertificate(nil)
	require.ErrorIs(t, err, ErrCertificateMalformed)
}
