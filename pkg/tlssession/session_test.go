package tlssession

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	stdx509 "crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/x-stp/rdp-core-go/pkg/trustpolicy"
)

func generateServerCert(t *testing.T) ([][]byte, interface{}) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &stdx509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "rdp.example.com"},
		DNSNames:     []string{"rdp.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := stdx509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return [][]byte{der}, key
}

func TestSessionHandshakeEstablishesAndExtractsChannelBinding(t *testing.T) {
	certDER, key := generateServerCert(t)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	policy := &trustpolicy.Policy{
		Config: trustpolicy.Config{IgnoreCertificate: true}, // chain not rooted in a real CA in this test
	}

	clientSession := New(nil, policy)
	serverSession := New(nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- serverSession.Accept(ctx, serverConn, DefaultMethod(), tlsCertificate{
			CertificateDER: certDER,
			PrivateKey:     key,
		})
	}()
	go func() {
		errCh <- clientSession.Connect(ctx, clientConn, "rdp.example.com", DefaultMethod())
	}()

	require.NoError(t, <-errCh)
	require.NoError(t, <-errCh)

	require.Equal(t, Established, clientSession.State())
	require.Equal(t, Established, serverSession.State())
	require.NotEmpty(t, clientSession.ChannelBinding)
	require.Contains(t, clientSession.ChannelBinding, trustpolicy.ChannelBindingPrefix)
	require.NotNil(t, clientSession.PeerCertificate)
}

func TestSessionHandshakeRejectedCertificateDestroysSession(t *testing.T) {
	certDER, key := generateServerCert(t)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	policy := &trustpolicy.Policy{
		File: trustpolicy.FileConfig{Deny: true},
	}

	clientSession := New(nil, policy)
	serverSession := New(nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- serverSession.Accept(ctx, serverConn, DefaultMethod(), tlsCertificate{
			CertificateDER: certDER,
			PrivateKey:     key,
		})
	}()
	go func() {
		errCh <- clientSession.Connect(ctx, clientConn, "rdp.example.com", DefaultMethod())
	}()

	clientErr := <-errCh
	serverErr := <-errCh
	// one of the two channel reads belongs to each side; neither ordering
	// matters here since both sides must eventually unwind.
	_ = serverErr

	var sawRejection error
	for _, e := range []error{clientErr, serverErr} {
		if e != nil {
			sawRejection = e
		}
	}
	require.Error(t, sawRejection)
	require.ErrorIs(t, sawRejection, trustpolicy.ErrCertificateRejected)
	require.Equal(t, Destroyed, clientSession.State())
}

func TestConnectFromWrongStateFails(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	s := New(nil, nil)
	s.state = Established

	err := s.Connect(context.Background(), clientConn, "rdp.example.com", DefaultMethod())
	require.ErrorIs(t, err, ErrWrongState)
}

func TestWriteAllBeforeEstablishedFails(t *testing.T) {
	s := New(nil, nil)
	err := s.WriteAll(context.Background(), []byte("hello"))
	require.ErrorIs(t, err, ErrWrongState)
}

func TestShutdownIsIdempotent(t *testing.T) {
	s := New(nil, nil)
	s.state = Destroyed
	require.NoError(t, s.Shutdown())
}

func TestSplitHostPortDefaultsToRDPPort(t *testing.T) {
	host, port := splitHostPort("rdp.example.com")
	require.Equal(t, "rdp.example.com", host)
	require.Equal(t, 3389, port)

	host, port = splitHostPort("rdp.example.com:4489")
	require.Equal(t, "rdp.example.com", host)
	require.Equal(t, 4489, port)
}
