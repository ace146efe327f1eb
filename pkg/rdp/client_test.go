// RDP Screenshotter - Capture screenshots from RDP servers
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

package rdp

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"math/big"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestClientOptions(t *testing.T) {
	// Test DefaultClientOptions
	opts := DefaultClientOptions()
	if opts.Timeout != 10*time.Second {
		t.Errorf("DefaultClientOptions() timeout = %v, want %v", opts.Timeout, 10*time.Second)
	}
	if opts.Username != "" {
		t.Errorf("DefaultClientOptions() username = %v, want empty", opts.Username)
	}
	if opts.EnableAutoDetect {
		t.Errorf("DefaultClientOptions() EnableAutoDetect = true, want false (callers opt in)")
	}
	if opts.EnableHeartbeat {
		t.Errorf("DefaultClientOptions() EnableHeartbeat = true, want false (callers opt in)")
	}
}

func TestReadTPKTHeaderOversizedLengthStillParses(t *testing.T) {
	// A TPKT header advertising a length past maxTPKTLength is wire-valid and
	// must still be returned to the caller; the oversized-length signal is
	// only ever logged, never turned into a parse error.
	h := &TPKTHeader{Version: TPKTVersion, Reserved: 0, Length: 0xFFFF}
	buf := new(bytes.Buffer)
	if _, err := h.WriteTo(buf); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}

	got, err := ReadTPKTHeader(buf, zap.NewNop())
	if err != nil {
		t.Fatalf("ReadTPKTHeader() error = %v", err)
	}
	if got.Length != 0xFFFF {
		t.Errorf("ReadTPKTHeader() length = %v, want %v", got.Length, 0xFFFF)
	}

	// A nil logger must also be accepted without panicking.
	buf2 := new(bytes.Buffer)
	h.WriteTo(buf2)
	if _, err := ReadTPKTHeader(buf2, nil); err != nil {
		t.Fatalf("ReadTPKTHeader() with nil logger error = %v", err)
	}
}

func TestTPKTHeader(t *testing.T) {
	tests := []struct {
		name        string
		payloadSize int
		wantLength  uint16
	}{
		{
			name:        "small payload",
			payloadSize: 10,
			wantLength:  14, // 4 (TPKT header) + 10 (payload)
		},
		{
			name:        "medium payload",
			payloadSize: 100,
			wantLength:  104,
		},
		{
			name:        "large payload",
			payloadSize: 1000,
			wantLength:  1004,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tpkt := NewTPKTHeader(tt.payloadSize)
			if tpkt.Version != TPKTVersion {
				t.Errorf("NewTPKTHeader() version = %v, want %v", tpkt.Version, TPKTVersion)
			}
			if tpkt.Length != tt.wantLength {
				t.Errorf("NewTPKTHeader() length = %v, want %v", tpkt.Length, tt.wantLength)
			}
			if tpkt.PayloadSize() != tt.payloadSize {
				t.Errorf("PayloadSize() = %v, want %v", tpkt.PayloadSize(), tt.payloadSize)
			}
		})
	}
}

func TestX224ConnectionRequest(t *testing.T) {
	tests := []struct {
		name   string
		cookie string
	}{
		{
			name:   "empty cookie",
			cookie: "",
		},
		{
			name:   "with cookie",
			cookie: "testuser",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cr := NewX224ConnectionRequest(tt.cookie)

			if cr.TPDUCode != X224_TPDU_CONNECTION_REQUEST {
				t.Errorf("TPDUCode = %v, want %v", cr.TPDUCode, X224_TPDU_CONNECTION_REQUEST)
			}
			if cr.DstRef != 0 {
				t.Errorf("DstRef = %v, want 0", cr.DstRef)
			}
			if cr.ClassOptions != 0 {
				t.Errorf("ClassOptions = %v, want 0", cr.ClassOptions)
			}

			// Verify length indicator calculation
			expectedLI := uint8(6 + len(cr.Cookie))
			if cr.LengthIndicator != expectedLI {
				t.Errorf("LengthIndicator = %v, want %v", cr.LengthIndicator, expectedLI)
			}
		})
	}
}

func TestAddBitmapCacheRev2CapabilitySetTruncatesExcessCells(t *testing.T) {
	buf := new(bytes.Buffer)
	// One more cell than the wire format has room for; the extras must be
	// dropped rather than overflowing the fixed five-cell layout.
	addBitmapCacheRev2CapabilitySet(buf, []int{100, 200, 300, 400, 500, 600})

	data := buf.Bytes()
	if len(data) != 40 {
		t.Fatalf("addBitmapCacheRev2CapabilitySet() wrote %d bytes, want 40", len(data))
	}
	if capType := uint16(data[0]) | uint16(data[1])<<8; capType != CAPSTYPE_BITMAPCACHE_REV2 {
		t.Errorf("capability type = 0x%04X, want 0x%04X", capType, CAPSTYPE_BITMAPCACHE_REV2)
	}
	numCellCaches := data[7]
	if numCellCaches != maxBitmapCacheRev2Cells {
		t.Errorf("numCellCaches = %v, want %v", numCellCaches, maxBitmapCacheRev2Cells)
	}
}

func TestNegotiatedBitmapCacheVersion(t *testing.T) {
	tests := []struct {
		name string
		sets []CapabilitySet
		want int
	}{
		{name: "none advertised", sets: nil, want: bitmapCacheVersionNone},
		{
			name: "legacy only",
			sets: []CapabilitySet{{Type: CAPSTYPE_BITMAPCACHE}},
			want: bitmapCacheVersionLegacy,
		},
		{
			name: "rev2 only",
			sets: []CapabilitySet{{Type: CAPSTYPE_BITMAPCACHE_REV2}},
			want: bitmapCacheVersionRev2,
		},
		{
			name: "both advertised, rev2 wins",
			sets: []CapabilitySet{{Type: CAPSTYPE_BITMAPCACHE}, {Type: CAPSTYPE_BITMAPCACHE_REV2}},
			want: bitmapCacheVersionRev2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := negotiatedBitmapCacheVersion(tt.sets); got != tt.want {
				t.Errorf("negotiatedBitmapCacheVersion() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuildSecurityExchangePDUEncryptsClientRandomWhenKeyPresent(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 512)
	if err != nil {
		t.Fatalf("rsa.GenerateKey() error = %v", err)
	}

	serverData := &SecurityData{
		EncryptionMethod: 0x00000001, // ENCRYPTION_METHOD_40BIT, anything non-NONE
		ServerPublicKey:  &key.PublicKey,
	}

	pdu, clientRandom, err := buildSecurityExchangePDU(serverData)
	if err != nil {
		t.Fatalf("buildSecurityExchangePDU() error = %v", err)
	}
	if len(clientRandom) != 32 {
		t.Fatalf("clientRandom length = %v, want 32", len(clientRandom))
	}

	// The encrypted blob must not simply be the plaintext client random
	// echoed back onto the wire; len(pdu) is the 4-byte security header plus
	// the 4-byte length prefix plus the RSA-sized ciphertext, which for a
	// 512-bit key is far larger than the 8+32 bytes of plaintext passthrough.
	if bytes.Contains(pdu, clientRandom) {
		t.Errorf("buildSecurityExchangePDU() wrote the client random unencrypted onto the wire")
	}
	if len(pdu) <= 8+32 {
		t.Errorf("buildSecurityExchangePDU() pdu length = %v, looks like unencrypted passthrough", len(pdu))
	}
}

func TestBuildSecurityExchangePDUSendsPlaintextWhenEncryptionNone(t *testing.T) {
	serverData := &SecurityData{EncryptionMethod: ENCRYPTION_METHOD_NONE}

	pdu, clientRandom, err := buildSecurityExchangePDU(serverData)
	if err != nil {
		t.Fatalf("buildSecurityExchangePDU() error = %v", err)
	}
	if !bytes.Contains(pdu, clientRandom) {
		t.Errorf("buildSecurityExchangePDU() with no encryption must send the client random as-is")
	}
}

func TestRsaEncryptClientRandomRoundTripsThroughModExp(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 512)
	if err != nil {
		t.Fatalf("rsa.GenerateKey() error = %v", err)
	}

	clientRandom := bytes.Repeat([]byte{0xAB}, 32)
	encrypted := rsaEncryptClientRandom(&key.PublicKey, clientRandom)

	keySize := (key.N.BitLen() + 7) / 8
	if len(encrypted) != keySize+8 {
		t.Fatalf("rsaEncryptClientRandom() length = %v, want %v", len(encrypted), keySize+8)
	}

	// Decrypt by reversing the wire order back to big-endian and running
	// the private-key exponent, mirroring MS-RDPBCGR 5.3.4.1's raw RSA step
	// in reverse.
	reversed := reverseBytes(encrypted[:keySize])
	c := new(big.Int).SetBytes(reversed)
	m := new(big.Int).Exp(c, key.D, key.N)

	got := reverseBytes(m.Bytes())
	// Left-pad/truncate to the original 32-byte client random for comparison.
	if len(got) > len(clientRandom) {
		got = got[:len(clientRandom)]
	}
	for len(got) < len(clientRandom) {
		got = append(got, 0)
	}
	if !bytes.Equal(got, clientRandom) {
		t.Errorf("decrypted client random = %x, want %x", got, clientRandom)
	}
}
