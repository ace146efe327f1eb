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

// Package rdpemt parses the MS-RDPEMT multitransport negotiation PDUs a
// server sends to request a supplementary UDP transport for bulk bitmap
// delivery. This client participates in the negotiation — required so
// slower servers are not left waiting on a PDU nobody answers — but always
// declines: establishing the UDP tunnel itself is out of scope.
package rdpemt

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"
)

// Requested-protocol flags, MS-RDPEMT §2.2.2.1.
const (
	ProtocolUDPFECReliable uint16 = 0x0001
	ProtocolUDPFECLossy    uint16 = 0x0002
)

// HRESULT values a Client Initiate Multitransport Response may carry,
// MS-RDPBCGR §2.2.15.2.
const (
	HResultSuccess  uint32 = 0x00000000
	HResultAbort    uint32 = 0x80004004
	HResultNotFound uint32 = 0x80000006
)

const (
	requestSize  = 4 + 2 + 2 + 16 // RequestID + RequestedProtocol + Reserved + SecurityCookie
	responseSize = 4 + 4          // RequestID + HResult
	cookieLength = 16
)

// ErrTruncated is returned when a PDU buffer is shorter than its fixed
// layout requires.
var ErrTruncated = fmt.Errorf("rdpemt: truncated PDU")

// MultitransportRequest is the Server Initiate Multitransport Request PDU,
// MS-RDPBCGR §2.2.15.1.
type MultitransportRequest struct {
	RequestID         uint32
	RequestedProtocol uint16
	SecurityCookie    [cookieLength]byte
}

// ParseMultitransportRequest decodes a Server Initiate Multitransport
// Request from the wire.
func ParseMultitransportRequest(data []byte) (MultitransportRequest, error) {
	var req MultitransportRequest
	if len(data) < requestSize {
		return req, fmt.Errorf("%w: request needs %d bytes, got %d", ErrTruncated, requestSize, len(data))
	}
	r := bytes.NewReader(data)
	if err := binary.Read(r, binary.LittleEndian, &req.RequestID); err != nil {
		return req, err
	}
	if err := binary.Read(r, binary.LittleEndian, &req.RequestedProtocol); err != nil {
		return req, err
	}
	var reserved uint16
	if err := binary.Read(r, binary.LittleEndian, &reserved); err != nil {
		return req, err
	}
	if _, err := r.Read(req.SecurityCookie[:]); err != nil {
		return req, err
	}
	return req, nil
}

// MultitransportResponse is the Client Initiate Multitransport Response
// PDU, MS-RDPBCGR §2.2.15.2.
type MultitransportResponse struct {
	RequestID uint32
	HResult   uint32
}

// Encode serializes the response to its wire form.
func (r MultitransportResponse) Encode() []byte {
	buf := make([]byte, responseSize)
	binary.LittleEndian.PutUint32(buf[0:4], r.RequestID)
	binary.LittleEndian.PutUint32(buf[4:8], r.HResult)
	return buf
}

// Negotiator decides how to answer multitransport requests. It always
// declines (spec §4.6): the UDP tunnel is never established, but every
// request is acknowledged so the server does not stall waiting for a
// response that will never arrive.
type Negotiator struct {
	log *zap.Logger
}

// NewNegotiator builds a Negotiator.
func NewNegotiator(log *zap.Logger) *Negotiator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Negotiator{log: log}
}

// Negotiate parses a raw Server Initiate Multitransport Request and
// returns the encoded decline response to send back.
func (n *Negotiator) Negotiate(data []byte) ([]byte, error) {
	req, err := ParseMultitransportRequest(data)
	if err != nil {
		return nil, err
	}

	n.log.Info("declining multitransport request",
		zap.Uint32("request_id", req.RequestID),
		zap.String("protocol", protocolString(req.RequestedProtocol)))

	resp := MultitransportResponse{RequestID: req.RequestID, HResult: HResultAbort}
	return resp.Encode(), nil
}

func protocolString(proto uint16) string {
	switch {
	case proto&ProtocolUDPFECReliable != 0 && proto&ProtocolUDPFECLossy != 0:
		return "udp-fec-reliable+lossy"
	case proto&ProtocolUDPFECReliable != 0:
		return "udp-fec-reliable"
	case proto&ProtocolUDPFECLossy != 0:
		return "udp-fec-lossy"
	default:
		return "none"
	}
}
