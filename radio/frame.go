//----------------------------------------------------------------------
// This file is part of wificlock.
// Copyright (C) 2024-present Bernd Fix   >Y<
//
// wificlock is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// wificlock is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL3.0-or-later
//----------------------------------------------------------------------

package radio

import (
	"encoding/binary"
	"net/netip"

	"github.com/soypat/seqs/eth"
)

// Raw IPv4 frames for the traffic the device port stack leaves to us:
// datagram sockets and ICMP echo.

const (
	ipProtoICMP     = 1
	ipProtoUDP      = 17
	icmpEchoReply   = 0
	icmpEchoRequest = 8
	sizeICMPEcho    = 8
	frameHeaders    = eth.SizeEthernetHeader + eth.SizeIPv4Header
	defaultTTL      = 64
)

// payload of echo requests
var echoData = []byte("wificlock-ping")

// endpoint of a frame
type endpoint struct {
	mac  [6]byte
	addr netip.Addr
}

// frame carries the decoded content of an inbound frame.
type frame struct {
	proto   uint8
	from    netip.Addr
	sport   uint16 // datagram ports
	dport   uint16
	ident   uint16 // echo reply
	seq     uint16
	payload []byte
}

// nextHop returns the address that must be resolved to reach dst.
func nextHop(local netip.Prefix, gateway, dst netip.Addr) netip.Addr {
	if local.Contains(dst) || !gateway.IsValid() {
		return dst
	}
	return gateway
}

// ipv4Frame wraps the payload into ethernet and IPv4 headers.
func ipv4Frame(src, dst endpoint, proto, ttl uint8, id uint16, payload []byte) []byte {
	buf := make([]byte, frameHeaders+len(payload))
	ehdr := eth.EthernetHeader{
		Destination:     dst.mac,
		Source:          src.mac,
		SizeOrEtherType: uint16(eth.EtherTypeIPv4),
	}
	ehdr.Put(buf)
	ip := eth.IPv4Header{
		VersionAndIHL: 5,
		TotalLength:   uint16(eth.SizeIPv4Header + len(payload)),
		ID:            id,
		TTL:           ttl,
		Protocol:      proto,
		Source:        src.addr.As4(),
		Destination:   dst.addr.As4(),
	}
	ip.Checksum = ip.CalculateChecksum()
	ip.Put(buf[eth.SizeEthernetHeader:])
	copy(buf[frameHeaders:], payload)
	return buf
}

// datagramFrame builds a UDP frame.
func datagramFrame(src, dst endpoint, sport, dport, id uint16, p []byte) []byte {
	seg := make([]byte, eth.SizeUDPHeader+len(p))
	uhdr := eth.UDPHeader{
		SourcePort:      sport,
		DestinationPort: dport,
		Length:          uint16(len(seg)),
	}
	pseudo := eth.IPv4Header{
		Protocol:    ipProtoUDP,
		Source:      src.addr.As4(),
		Destination: dst.addr.As4(),
	}
	if uhdr.Checksum = uhdr.CalculateChecksumIPv4(&pseudo, p); uhdr.Checksum == 0 {
		uhdr.Checksum = 0xffff
	}
	uhdr.Put(seg)
	copy(seg[eth.SizeUDPHeader:], p)
	return ipv4Frame(src, dst, ipProtoUDP, defaultTTL, id, seg)
}

// echoFrame builds an ICMP echo request.
func echoFrame(src, dst endpoint, ttl uint8, ident, seq, id uint16) []byte {
	msg := make([]byte, sizeICMPEcho+len(echoData))
	msg[0] = icmpEchoRequest
	binary.BigEndian.PutUint16(msg[4:], ident)
	binary.BigEndian.PutUint16(msg[6:], seq)
	copy(msg[sizeICMPEcho:], echoData)
	var crc eth.CRC791
	crc.Write(msg)
	binary.BigEndian.PutUint16(msg[2:], crc.Sum16())
	if ttl == 0 {
		ttl = defaultTTL
	}
	return ipv4Frame(src, dst, ipProtoICMP, ttl, id, msg)
}

// parseFrame decodes an unfragmented IPv4 datagram or echo reply.
func parseFrame(buf []byte) (f frame, ok bool) {
	if len(buf) < frameHeaders {
		return
	}
	if ehdr := eth.DecodeEthernetHeader(buf); ehdr.AssertType() != eth.EtherTypeIPv4 {
		return
	}
	ip, off := eth.DecodeIPv4Header(buf[eth.SizeEthernetHeader:])
	if off < eth.SizeIPv4Header || ip.Flags.MoreFragments() || ip.Flags.FragmentOffset() != 0 {
		return
	}
	start := eth.SizeEthernetHeader + int(off)
	end := eth.SizeEthernetHeader + int(ip.TotalLength)
	if end > len(buf) || start > end {
		return
	}
	body := buf[start:end]
	f.proto = ip.Protocol
	f.from = netip.AddrFrom4(ip.Source)
	switch ip.Protocol {
	case ipProtoUDP:
		if len(body) < eth.SizeUDPHeader {
			return
		}
		uhdr := eth.DecodeUDPHeader(body)
		if int(uhdr.Length) < eth.SizeUDPHeader || int(uhdr.Length) > len(body) {
			return
		}
		f.sport, f.dport = uhdr.SourcePort, uhdr.DestinationPort
		f.payload = body[eth.SizeUDPHeader:uhdr.Length]
	case ipProtoICMP:
		if len(body) < sizeICMPEcho || body[0] != icmpEchoReply {
			return
		}
		f.ident = binary.BigEndian.Uint16(body[4:])
		f.seq = binary.BigEndian.Uint16(body[6:])
		f.payload = body[sizeICMPEcho:]
	default:
		return
	}
	return f, true
}
