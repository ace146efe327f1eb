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

// Package trustpolicy implements the certificate trust decision tree: given
// a presented certificate, the session's configuration, and the persistent
// certificate store, decide whether the connection proceeds.
package trustpolicy

import (
	"encoding/pem"
	"fmt"
	"time"

	"github.com/zmap/zcrypto/x509"
	"go.uber.org/zap"

	"github.com/x-stp/rdp-core-go/pkg/certstore"
	"github.com/x-stp/rdp-core-go/pkg/metrics"
)

// TransportKind distinguishes the three connection shapes the accepted-PEM
// cache (spec §4.2 step 2) is keyed by.
type TransportKind int

const (
	TransportDirect TransportKind = iota
	TransportGateway
	TransportRedirected
)

// Verdict is the outcome of a user or external-management callback.
type Verdict int

const (
	// VerdictReject denies the connection outright.
	VerdictReject Verdict = iota
	// VerdictAcceptPermanent accepts and persists the identity.
	VerdictAcceptPermanent
	// VerdictAcceptTemporary accepts for this connection only.
	VerdictAcceptTemporary
)

// NewIdentityFlags is passed to the user callback when the store has no
// record for (host, port).
type NewIdentityFlags struct {
	Host        string
	Port        int
	Subject     string
	Issuer      string
	Fingerprint string
}

// ChangedIdentityFlags is passed to the user callback when the store's
// record disagrees with the presented certificate.
type ChangedIdentityFlags struct {
	NewIdentityFlags
	StoredSubject     string
	StoredIssuer      string
	StoredFingerprint string
}

// Callbacks lets the embedder plug in interactive prompts, auto-accept
// policy, and external certificate management. All fields are optional;
// nil callbacks fall through to the conservative default (reject).
type Callbacks struct {
	// OnNewIdentity is invoked for spec §4.2 step 7's Missing case.
	OnNewIdentity func(NewIdentityFlags) Verdict
	// OnChangedIdentity is invoked for step 7's Changed case.
	OnChangedIdentity func(ChangedIdentityFlags) Verdict
	// ExternalManagement, if set, is consulted at step 3 and its verdict
	// passed through verbatim.
	ExternalManagement func(pemData string, host string, port int) Verdict
}

// FileConfig models certificates.json (spec §6).
type FileConfig struct {
	Deny           bool                `json:"deny"`
	Ignore         bool                `json:"ignore"`
	DenyUserConfig bool                `json:"deny-userconfig"`
	CertificateDB  []CertificateDBEntry `json:"certificate-db"`
}

// CertificateDBEntry is one trusted fingerprint in certificates.json's
// certificate-db array.
type CertificateDBEntry struct {
	Type string `json:"type"`
	Hash string `json:"hash"`
}

// Config holds the per-session policy inputs that are not persisted in
// certificates.json: accepted fingerprint lists, already-accepted PEMs
// keyed by transport kind, and the ignore-certificate escape hatch.
type Config struct {
	AcceptedFingerprints []string
	AcceptedPEM          map[TransportKind]string
	IgnoreCertificate    bool
	// AutoDenyChanged, when set, rejects a Changed identity without
	// invoking the user callback (spec §8 Trust Policy property).
	AutoDenyChanged bool
}

// TrustAnchors is the narrow interface the policy needs from a certificate
// chain verifier; production callers supply a *x509.CertPool-backed
// implementation, tests supply a stub.
type TrustAnchors interface {
	// Verify returns nil if cert chains to a trusted root and its
	// hostname matches (CN/SAN wildcard rules applied by the caller
	// before this is invoked is NOT required - Verify is expected to
	// perform chain verification only; hostname matching is done by the
	// policy itself via matchesAny).
	Verify(cert *x509.Certificate) error
}

// Policy is the decision function described in spec §4.2.
type Policy struct {
	Store     *certstore.Store
	Anchors   TrustAnchors
	File      FileConfig
	Config    Config
	Callbacks Callbacks
	Log       *zap.Logger

	// Metrics, when set, receives a trust-decision count for every Verify
	// call. Nil is safe; no metrics are recorded.
	Metrics *metrics.Collectors
}

// PresentedCertificate is the subset of a parsed server certificate the
// policy needs; callers extract this from a *x509.Certificate once per
// handshake.
type PresentedCertificate struct {
	Cert       *x509.Certificate
	PEM        string
	CommonName string
	DNSNames   []string
}

// ExtractPresentedCertificate builds a PresentedCertificate from a parsed
// zcrypto certificate, PEM-encoding its raw bytes. It fails with
// ErrCertificateMalformed if the certificate carries no raw bytes or public
// key, matching spec §4.2's "no usable key/PEM ... extractable" error
// condition.
func ExtractPresentedCertificate(cert *x509.Certificate) (PresentedCertificate, error) {
	if cert == nil || len(cert.Raw) == 0 {
		return PresentedCertificate{}, fmt.Errorf("%w: empty certificate", ErrCertificateMalformed)
	}
	if cert.PublicKey == nil {
		return PresentedCertificate{}, fmt.Errorf("%w: no public key", ErrCertificateMalformed)
	}

	block := &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}
	return PresentedCertificate{
		Cert:       cert,
		PEM:        string(pem.EncodeToMemory(block)),
		CommonName: cert.Subject.CommonName,
		DNSNames:   cert.DNSNames,
	}, nil
}

// Verify runs the full decision tree of spec §4.2 against a presented
// certificate for (host, port) over the given transport kind, returning
// nil on acceptance or one of the sentinel errors in errors.go.
func (p *Policy) Verify(presented PresentedCertificate, host string, port int, transport TransportKind) (err error) {
	defer func() {
		if err == nil {
			p.Metrics.RecordTrustDecision("accept")
		} else {
			p.Metrics.RecordTrustDecision("reject")
		}
	}()

	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	fields := []zap.Field{zap.String("host", host), zap.Int("port", port)}

	// Step 1: accepted fingerprint list, both separated and unseparated.
	if len(p.Config.AcceptedFingerprints) > 0 {
		sha256fp := Fingerprint(presented.Cert, "sha256")
		sha1fp := Fingerprint(presented.Cert, "sha1")
		if fingerprintMatchesAny(sha256fp, p.Config.AcceptedFingerprints) ||
			fingerprintMatchesAny(sha1fp, p.Config.AcceptedFingerprints) {
			log.Debug("certificate accepted via accepted-fingerprint list", fields...)
			return nil
		}
	}

	// Step 2: already-accepted PEM for this transport kind.
	if accepted, ok := p.Config.AcceptedPEM[transport]; ok && accepted == presented.PEM {
		log.Debug("certificate accepted via cached PEM for transport kind", fields...)
		return nil
	}

	// Step 3: external certificate management.
	if p.Callbacks.ExternalManagement != nil {
		switch p.Callbacks.ExternalManagement(presented.PEM, host, port) {
		case VerdictAcceptPermanent, VerdictAcceptTemporary:
			log.Debug("certificate accepted via external management callback", fields...)
			return nil
		default:
			log.Warn("certificate rejected by external management callback", fields...)
			return ErrCertificateRejected
		}
	}

	// Step 4: ignore-certificate escape hatch.
	if p.Config.IgnoreCertificate {
		log.Warn("DANGER: certificate verification is disabled (ignore-certificate); accepting unconditionally", fields...)
		return nil
	}

	// Step 5: chain verification + hostname match.
	chainErr := p.verifyChain(presented.Cert)
	hostnameOK := matchesAny(host, presented.CommonName, presented.DNSNames)
	if chainErr == nil && hostnameOK {
		log.Debug("certificate accepted via chain verification and hostname match", fields...)
		return nil
	}

	// Step 6: certificates.json.
	if decided, err := p.checkFileConfig(presented); decided {
		if err == nil {
			log.Debug("certificate accepted via certificates.json", fields...)
		}
		return err
	}

	// Step 7: known-hosts store lookup.
	return p.checkStore(presented, host, port, log, fields)
}

// verifyChain delegates to the configured TrustAnchors, tolerating a nil
// Anchors (treated as "chain verification unavailable / fails").
func (p *Policy) verifyChain(cert *x509.Certificate) error {
	if p.Anchors == nil {
		return fmt.Errorf("trustpolicy: no trust anchors configured")
	}
	return p.Anchors.Verify(cert)
}

// checkFileConfig applies spec §4.2 step 6 in its documented order: deny,
// then ignore, then certificate-db, then deny-userconfig. Returns
// (true, err) if the file config made a final decision (err is nil for
// accept, ErrCertificatePolicyDenied for deny, ErrCertificateRejected when
// deny-userconfig forbids prompting), or (false, nil) if the decision
// still belongs to the user.
func (p *Policy) checkFileConfig(presented PresentedCertificate) (bool, error) {
	// deny is checked first: when both deny and ignore are set in
	// certificates.json, deny wins. This ordering is intentional and
	// tested (spec §8 Scenario 7; DESIGN.md Open Question (a)).
	if p.File.Deny {
		return true, ErrCertificatePolicyDenied
	}
	if p.File.Ignore {
		return true, nil
	}
	for _, entry := range p.File.CertificateDB {
		want := Fingerprint(presented.Cert, entry.Type)
		if normalizeFingerprint(want) == normalizeFingerprint(entry.Hash) {
			return true, nil
		}
	}
	if p.File.DenyUserConfig {
		// The config forbids further prompting, but did not itself
		// reach a verdict: the safe default is deny.
		return true, ErrCertificateRejected
	}
	return false, nil
}

// checkStore applies spec §4.2 step 7: classify against the known-hosts
// store and invoke the matching callback.
func (p *Policy) checkStore(presented PresentedCertificate, host string, port int, log *zap.Logger, fields []zap.Field) error {
	fp := Fingerprint(presented.Cert, "sha256")

	state := certstore.Missing
	var stored *certstore.Identity
	if p.Store != nil {
		state, stored = p.Store.Contains(host, port, fp)
	}

	switch state {
	case certstore.Match:
		log.Debug("certificate matches known-hosts record", fields...)
		return nil

	case certstore.Changed:
		log.Warn("certificate fingerprint changed since last connection", append(fields,
			zap.String("stored_fingerprint", stored.Fingerprint),
			zap.String("presented_fingerprint", fp))...)

		if p.Config.AutoDenyChanged {
			return ErrCertificateRejected
		}

		verdict := VerdictReject
		if p.Callbacks.OnChangedIdentity != nil {
			verdict = p.Callbacks.OnChangedIdentity(ChangedIdentityFlags{
				NewIdentityFlags: NewIdentityFlags{
					Host: host, Port: port,
					Subject: presented.Cert.Subject.String(),
					Issuer:  presented.Cert.Issuer.String(),
					Fingerprint: fp,
				},
				StoredSubject:     stored.Subject,
				StoredIssuer:      stored.Issuer,
				StoredFingerprint: stored.Fingerprint,
			})
		}
		return p.applyVerdict(verdict, presented, host, port, fp, log, fields)

	default: // Missing
		log.Warn("no known-hosts record for this server; treating as new identity", fields...)

		verdict := VerdictReject
		if p.Callbacks.OnNewIdentity != nil {
			verdict = p.Callbacks.OnNewIdentity(NewIdentityFlags{
				Host: host, Port: port,
				Subject:     presented.Cert.Subject.String(),
				Issuer:      presented.Cert.Issuer.String(),
				Fingerprint: fp,
			})
		}
		return p.applyVerdict(verdict, presented, host, port, fp, log, fields)
	}
}

func (p *Policy) applyVerdict(verdict Verdict, presented PresentedCertificate, host string, port int, fp string, log *zap.Logger, fields []zap.Field) error {
	switch verdict {
	case VerdictAcceptPermanent:
		if p.Store != nil {
			if err := p.Store.Save(certstore.Identity{
				Hostname:    host,
				Port:        port,
				Subject:     presented.Cert.Subject.String(),
				Issuer:      presented.Cert.Issuer.String(),
				Fingerprint: fp,
				PEM:         presented.PEM,
				LastSeen:    time.Now(),
			}); err != nil {
				log.Error("failed to persist accepted certificate", append(fields, zap.Error(err))...)
			}
		}
		return nil
	case VerdictAcceptTemporary:
		log.Info("certificate accepted temporarily; not persisted", fields...)
		return nil
	default:
		return ErrCertificateRejected
	}
}
