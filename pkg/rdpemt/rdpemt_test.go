package rdpemt

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildRequest(requestID uint32, protocol uint16) []byte {
	buf := make([]byte, requestSize)
	binary.LittleEndian.PutUint32(buf[0:4], requestID)
	binary.LittleEndian.PutUint16(buf[4:6], protocol)
	// bytes 6:8 reserved, 8:24 security cookie, left zeroed
	return buf
}

func TestParseMultitransportRequest(t *testing.T) {
	data := buildRequest(42, ProtocolUDPFECReliable)
	req, err := ParseMultitransportRequest(data)
	require.NoError(t, err)
	require.EqualValues(t, 42, req.RequestID)
	require.Equal(t, ProtocolUDPFECReliable, req.RequestedProtocol)
}

func TestParseMultitransportRequestTruncated(t *testing.T) {
	_, err := ParseMultitransportRequest([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrTruncated)
}

func TestNegotiateAlwaysDeclines(t *testing.T) {
	n := NewNegotiator(nil)
	data := buildRequest(7, ProtocolUDPFECLossy)

	respBytes, err := n.Negotiate(data)
	require.NoError(t, err)
	require.Len(t, respBytes, responseSize)

	require.EqualValues(t, 7, binary.LittleEndian.Uint32(respBytes[0:4]))
	require.EqualValues(t, HResultAbort, binary.LittleEndian.Uint32(respBytes[4:8]))
}

func TestProtocolString(t *testing.T) {
	require.Equal(t, "none", protocolString(0))
	require.Equal(t, "udp-fec-reliable", protocolString(ProtocolUDPFECReliable))
	require.Equal(t, "udp-fec-lossy", protocolString(ProtocolUDPFECLossy))
	require.Equal(t, "udp-fec-reliable+lossy", protocolString(ProtocolUDPFECReliable|ProtocolUDPFECLossy))
}
