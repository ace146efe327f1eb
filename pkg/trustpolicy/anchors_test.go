package trustpolicy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSystemAnchorsRejectsSelfSignedCert(t *testing.T) {
	anchors, err := NewSystemAnchors()
	require.NoError(t, err)

	cert := selfSignedCert(t, "untrusted.example.com", nil)
	err = anchors.Verify(cert)
	require.Error(t, err)
}
