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

// Package tlssession implements a TLS session state machine layered over an
// arbitrary byte transport: Prepared -> Handshaking -> Established ->
// ShuttingDown -> Destroyed. It drives the handshake, extracts the peer's
// public key and RFC 5929 channel-binding token, and runs the certificate
// trust policy before declaring a client-side handshake successful.
package tlssession

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	ztls "github.com/zmap/zcrypto/tls"
	zx509 "github.com/zmap/zcrypto/x509"
	"go.uber.org/zap"

	"github.com/x-stp/rdp-core-go/pkg/trustpolicy"
)

// State is one node of the session state machine.
type State int

const (
	Prepared State = iota
	Handshaking
	Established
	ShuttingDown
	Destroyed
)

func (s State) String() string {
	switch s {
	case Prepared:
		return "prepared"
	case Handshaking:
		return "handshaking"
	case Established:
		return "established"
	case ShuttingDown:
		return "shutting_down"
	case Destroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Role distinguishes the client and server sides of the handshake, which
// configure the underlying TLS engine differently (§4.3: connect vs accept).
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// Result is the outcome of a single handshake() step.
type Result int

const (
	ResultSuccess Result = iota
	// ResultContinue means the engine is want_read/want_write blocked; the
	// caller must wait for transport readiness and call handshake() again.
	ResultContinue
	ResultError
	// ResultVerifyError means the handshake itself completed but the trust
	// policy rejected the peer's certificate.
	ResultVerifyError
)

// MustReadFirst is returned by WriteAll when the TLS engine signals it is
// read-blocked (e.g. mid-renegotiation) and the caller must drain input
// before the write can proceed.
var MustReadFirst = errors.New("tlssession: must read before writing")

// ErrWrongState is returned when an operation is invoked from a state that
// does not permit it.
var ErrWrongState = errors.New("tlssession: operation invalid in current state")

// Method selects the minimum/maximum protocol version and cipher policy
// applied at connect/accept time, mirroring the interoperability knobs
// spec §4.3 calls out (compression, empty-fragment insertion, padding bug
// workarounds are always disabled; only version/cipher selection varies).
type Method struct {
	MinVersion   uint16
	MaxVersion   uint16
	CipherSuites []uint16
	// KeyLogPath, if set, enables per-session TLS key logging to the named
	// file (spec §4.3 "optionally enable TLS key-logging to a file").
	KeyLogPath string
}

// DefaultMethod returns the version/cipher policy the teacher's client uses
// against Microsoft RDP servers: TLS 1.0 through 1.2, RSA and ECDHE key
// exchange with AES-CBC/GCM.
func DefaultMethod() Method {
	return Method{
		MinVersion: ztls.VersionTLS10,
		MaxVersion: ztls.VersionTLS12,
		CipherSuites: []uint16{
			ztls.TLS_RSA_WITH_AES_128_CBC_SHA,
			ztls.TLS_RSA_WITH_AES_256_CBC_SHA,
			ztls.TLS_RSA_WITH_AES_128_GCM_SHA256,
			ztls.TLS_RSA_WITH_AES_256_GCM_SHA384,
			ztls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
			ztls.TLS_ECDHE_RSA_WITH_AES_256_CBC_SHA,
			ztls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			ztls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		},
	}
}

// alertQueued is a TLS alert level/description pair staged by SendAlert for
// delivery at Shutdown.
type alertQueued struct {
	level       byte
	description byte
}

// Session is a single TLS-over-transport connection and its state machine.
type Session struct {
	log *zap.Logger

	mu    sync.Mutex // guards session state; WriteAll holds it for a whole write, handshake() releases it before driving the engine
	state State
	role  Role

	transport  net.Conn
	tlsConn    *ztls.Conn
	serverName string

	policy *trustpolicy.Policy

	// Results captured on a successful client handshake.
	PeerCertificate *zx509.Certificate
	PublicKey       []byte
	ChannelBinding  string

	pendingAlert *alertQueued
}

// New constructs a Session in the Prepared state. policy may be nil for
// server-side sessions, which never invoke the client trust policy.
func New(log *zap.Logger, policy *trustpolicy.Policy) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{log: log, state: Prepared, policy: policy}
}

// State returns the session's current state under lock.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect configures the TLS engine for the client role and transitions to
// Handshaking, then drives the handshake to completion or failure using
// ctx for cancellation (spec §4.3 connect + poll_and_handshake, folded into
// one call since the synchronous TLS engine below does not expose a
// separable want_read/want_write step-function).
func (s *Session) Connect(ctx context.Context, transport net.Conn, serverName string, method Method) error {
	s.mu.Lock()
	if s.state != Prepared {
		s.mu.Unlock()
		return fmt.Errorf("%w: Connect from state %s", ErrWrongState, s.state)
	}
	s.role = RoleClient
	s.transport = transport
	s.serverName = serverName
	s.state = Handshaking

	config := &ztls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: true, // trust decisions are made by pkg/trustpolicy, not the engine
		MinVersion:         method.MinVersion,
		MaxVersion:         method.MaxVersion,
		CipherSuites:       method.CipherSuites,
	}
	if err := applyKeyLog(config, method.KeyLogPath); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("tlssession: open key log: %w", err)
	}
	s.tlsConn = ztls.Client(transport, config)
	s.mu.Unlock()

	return s.pollAndHandshake(ctx)
}

// Accept configures the TLS engine for the server role using the supplied
// certificate/key and drives the handshake; it never invokes the client
// trust policy (spec §4.3 accept).
func (s *Session) Accept(ctx context.Context, transport net.Conn, method Method, cert tlsCertificate) error {
	s.mu.Lock()
	if s.state != Prepared {
		s.mu.Unlock()
		return fmt.Errorf("%w: Accept from state %s", ErrWrongState, s.state)
	}
	s.role = RoleServer
	s.transport = transport
	s.state = Handshaking

	config := &ztls.Config{
		Certificates: []ztls.Certificate{{Certificate: cert.CertificateDER, PrivateKey: cert.PrivateKey}},
		MinVersion:   method.MinVersion,
		MaxVersion:   method.MaxVersion,
		CipherSuites: method.CipherSuites,
	}
	if err := applyKeyLog(config, method.KeyLogPath); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("tlssession: open key log: %w", err)
	}
	s.tlsConn = ztls.Server(transport, config)
	s.mu.Unlock()

	return s.pollAndHandshake(ctx)
}

// tlsCertificate is the minimal server identity Accept needs; kept separate
// from crypto/tls.Certificate so callers are not forced to import it just
// to drive a handshake.
type tlsCertificate struct {
	CertificateDER [][]byte
	PrivateKey     interface{}
}

// handshake runs one attempt at completing the TLS handshake. Because the
// underlying engine's Handshake() is a blocking call rather than an
// explicit state-stepping function, "want_read/want_write" is detected by a
// short deadline: a timeout net.Error during Handshake() is treated as
// ResultContinue so the caller can re-wait and retry, matching the
// suspend/resume contract of poll_and_handshake without requiring a
// non-blocking TLS engine.
func (s *Session) handshake(ctx context.Context) Result {
	s.mu.Lock()
	conn := s.tlsConn
	s.mu.Unlock()

	deadline := time.Now().Add(200 * time.Millisecond)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	err := conn.Handshake()
	if err == nil {
		return s.onHandshakeSuccess()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ResultContinue
	}

	s.log.Error("TLS handshake failed", zap.Error(err), zap.String("role", roleString(s.role)))
	s.transitionLocked(Destroyed)
	return ResultError
}

// pollAndHandshake is the cooperative retry loop of spec §4.3: on
// ResultContinue it waits for either context cancellation or a short
// backoff before re-invoking handshake().
func (s *Session) pollAndHandshake(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			s.transitionLocked(Destroyed)
			return fmt.Errorf("tlssession: handshake canceled: %w", err)
		}

		switch s.handshake(ctx) {
		case ResultSuccess:
			return nil
		case ResultVerifyError:
			s.queueFatalAlert()
			return trustpolicy.ErrCertificateRejected
		case ResultError:
			return fmt.Errorf("tlssession: handshake failed")
		case ResultContinue:
			select {
			case <-ctx.Done():
				s.transitionLocked(Destroyed)
				return fmt.Errorf("tlssession: handshake canceled: %w", ctx.Err())
			case <-time.After(5 * time.Millisecond):
				// transport readiness re-check; handshake() re-invoked on
				// next loop iteration.
			}
		}
	}
}

// onHandshakeSuccess extracts the peer certificate, public key, and
// channel-binding token, then (client-side only) runs the trust policy.
func (s *Session) onHandshakeSuccess() Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.tlsConn.ConnectionState()
	if s.role == RoleClient {
		if len(state.PeerCertificates) == 0 {
			s.log.Error("TLS handshake succeeded with no peer certificate")
			s.state = Destroyed
			return ResultError
		}
		cert := state.PeerCertificates[0]
		s.PeerCertificate = cert
		s.PublicKey = cert.RawSubjectPublicKeyInfo
		s.ChannelBinding = trustpolicy.ChannelBindingToken(cert)

		if s.policy != nil {
			presented, err := trustpolicy.ExtractPresentedCertificate(cert)
			if err != nil {
				s.log.Error("failed to extract presented certificate", zap.Error(err))
				s.state = Destroyed
				return ResultError
			}
			host, port := splitHostPort(s.serverName)
			if verr := s.policy.Verify(presented, host, port, trustpolicy.TransportDirect); verr != nil {
				s.log.Warn("certificate trust policy rejected peer certificate",
					zap.String("server_name", s.serverName), zap.Error(verr))
				s.state = Destroyed
				return ResultVerifyError
			}
		}
	}

	s.state = Established
	s.log.Info("TLS session established",
		zap.String("role", roleString(s.role)),
		zap.Uint16("version", state.Version),
		zap.Uint16("cipher_suite", state.CipherSuite))
	return ResultSuccess
}

// WriteAll writes data with the back-pressure contract of spec §4.3: on a
// transport write-block it waits ~100ms and retries; on a read-block
// (renegotiation in progress) it returns MustReadFirst.
func (s *Session) WriteAll(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Established {
		return fmt.Errorf("%w: WriteAll from state %s", ErrWrongState, s.state)
	}

	for len(data) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		_ = s.tlsConn.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))
		n, err := s.tlsConn.Write(data)
		data = data[n:]
		if err == nil {
			continue
		}

		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			// Write-blocked: bounded wait, then retry (spec: "~100ms").
			continue
		}
		if strings.Contains(err.Error(), "renegotiation") {
			return MustReadFirst
		}
		return fmt.Errorf("tlssession: write failed: %w", err)
	}
	return nil
}

// SendAlert queues a TLS alert for delivery at Shutdown (spec §4.3
// send_alert). level/description follow RFC 5246 alert encoding.
func (s *Session) SendAlert(level, description byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingAlert = &alertQueued{level: level, description: description}
}

func (s *Session) queueFatalAlert() {
	const alertLevelFatal = 2
	const alertBadCertificate = 42
	s.SendAlert(alertLevelFatal, alertBadCertificate)
}

// Shutdown transitions Established -> ShuttingDown -> Destroyed, logging any
// alert queued by SendAlert (the engine cannot send it) before closing the
// transport.
func (s *Session) Shutdown() error {
	s.mu.Lock()
	if s.state == Destroyed {
		s.mu.Unlock()
		return nil
	}
	s.state = ShuttingDown
	alert := s.pendingAlert
	conn := s.tlsConn
	s.mu.Unlock()

	if alert != nil && conn != nil {
		// zcrypto/tls does not expose raw alert injection; closing the
		// connection still sends its own close-notify. The queued alert is
		// logged so operators can see why the session was torn down even
		// though the specific alert bytes are not independently sendable
		// through this engine.
		s.log.Warn("queued TLS alert not sent at shutdown",
			zap.Uint8("level", alert.level), zap.Uint8("description", alert.description))
	}

	var err error
	if conn != nil {
		err = conn.Close()
	}

	s.mu.Lock()
	s.state = Destroyed
	s.mu.Unlock()
	return err
}

func (s *Session) transitionLocked(to State) {
	s.mu.Lock()
	s.state = to
	s.mu.Unlock()
}

func roleString(r Role) string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// applyKeyLog opens path (if non-empty) for append and wires it as the TLS
// engine's key log sink, enabling Wireshark-style session key capture for
// per-session debugging (spec §4.3 "optionally enable TLS key-logging").
func applyKeyLog(config *ztls.Config, path string) error {
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	config.KeyLogWriter = f
	return nil
}

// splitHostPort splits a "host:port" server name into its parts, defaulting
// to port 3389 (the standard RDP port) if no port is present.
func splitHostPort(serverName string) (string, int) {
	host, portStr, err := net.SplitHostPort(serverName)
	if err != nil {
		return serverName, 3389
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return host, 3389
	}
	return host, port
}
