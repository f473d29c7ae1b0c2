package netstack

import (
	"encoding/binary"
	"net"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"

	"github.com/morpheusx/core/internal/coreerr"
)

// BOOTP/DHCP (RFC 2131) fixed-header field offsets. No pack repo carries
// real DHCP client source (two manifests reference insomniacslk/dhcp by
// go.mod entry only, with no retrieved source to ground call shapes
// against — see DESIGN.md), so this follows the wire format directly the
// way the teacher decodes other fixed binary layouts by hand in
// bootimg.go, rather than assume an unverified library API.
const (
	dhcpOpRequest   = 1
	dhcpHTypeEther  = 1
	dhcpHLenEther   = 6
	dhcpMagicCookie = 0x63825363

	dhcpOptMessageType     = 53
	dhcpOptRequestedIP     = 50
	dhcpOptServerID        = 54
	dhcpOptParameterList   = 55
	dhcpOptEnd             = 255
	dhcpMsgTypeDiscover    = 1
	dhcpMsgTypeOffer       = 2
	dhcpMsgTypeRequest     = 3
	dhcpMsgTypeAck         = 5
	dhcpFixedHeaderSize    = 236 // op..file, before the magic cookie
	dhcpClientPort         = 68
	dhcpServerPort         = 67
)

// buildDiscover encodes a DHCPDISCOVER for xid/mac.
func buildDiscover(xid uint32, mac [6]byte) []byte {
	return buildDHCPPacket(xid, mac, dhcpMsgTypeDiscover, nil, nil)
}

// buildRequest encodes a DHCPREQUEST selecting offeredIP from server
// serverID, as the client-state transition in RFC 2131 §4.3.2 requires.
func buildRequest(xid uint32, mac [6]byte, offeredIP, serverID [4]byte) []byte {
	return buildDHCPPacket(xid, mac, dhcpMsgTypeRequest, &offeredIP, &serverID)
}

func buildDHCPPacket(xid uint32, mac [6]byte, msgType byte, requestedIP, serverID *[4]byte) []byte {
	buf := make([]byte, dhcpFixedHeaderSize+4, dhcpFixedHeaderSize+4+32)
	buf[0] = dhcpOpRequest
	buf[1] = dhcpHTypeEther
	buf[2] = dhcpHLenEther
	binary.BigEndian.PutUint32(buf[4:8], xid)
	copy(buf[28:34], mac[:])
	binary.BigEndian.PutUint32(buf[dhcpFixedHeaderSize:], dhcpMagicCookie)

	buf = append(buf, dhcpOptMessageType, 1, msgType)
	if requestedIP != nil {
		buf = append(buf, dhcpOptRequestedIP, 4)
		buf = append(buf, requestedIP[:]...)
	}
	if serverID != nil {
		buf = append(buf, dhcpOptServerID, 4)
		buf = append(buf, serverID[:]...)
	}
	buf = append(buf, dhcpOptParameterList, 1, 1) // request the subnet mask option
	buf = append(buf, dhcpOptEnd)
	return buf
}

// dhcpOffer is what parseDHCPReply extracts from a DHCPOFFER or DHCPACK.
type dhcpOffer struct {
	msgType  byte
	yiaddr   [4]byte
	serverID [4]byte
}

func parseDHCPReply(buf []byte) (dhcpOffer, bool) {
	var off dhcpOffer
	if len(buf) < dhcpFixedHeaderSize+4 {
		return off, false
	}
	copy(off.yiaddr[:], buf[16:20])
	if binary.BigEndian.Uint32(buf[dhcpFixedHeaderSize:dhcpFixedHeaderSize+4]) != dhcpMagicCookie {
		return off, false
	}

	opts := buf[dhcpFixedHeaderSize+4:]
	for i := 0; i < len(opts); {
		code := opts[i]
		if code == dhcpOptEnd {
			break
		}
		if i+1 >= len(opts) {
			break
		}
		length := int(opts[i+1])
		if i+2+length > len(opts) {
			break
		}
		val := opts[i+2 : i+2+length]
		switch code {
		case dhcpOptMessageType:
			if length == 1 {
				off.msgType = val[0]
			}
		case dhcpOptServerID:
			if length == 4 {
				copy(off.serverID[:], val)
			}
		}
		i += 2 + length
	}
	return off, off.msgType != 0
}

// runDHCP drives a DHCPDISCOVER/OFFER/REQUEST/ACK exchange over a gvisor
// UDP endpoint bound to the client port, broadcasting to the limited
// broadcast address since no lease (and so no unicast route to a server)
// exists yet. Runs on a background goroutine, the same accepted deviation
// from the original's single-threaded poll loop as Connect and
// StartDNSQuery use (see DESIGN.md).
func (g *GVisorStack) runDHCP(mac [6]byte) {
	local := &tcpip.FullAddress{NIC: nicID, Port: dhcpClientPort}
	remote := &tcpip.FullAddress{NIC: nicID, Port: dhcpServerPort, Addr: tcpip.AddrFromSlice(net.IPv4bcast.To4())}

	conn, err := gonet.DialUDP(g.stack, local, remote, ipv4.ProtocolNumber)
	if err != nil {
		g.setDHCPResult(netip.Addr{}, coreerr.Wrap(coreerr.ClassDHCPTimeout, "dial dhcp broadcast", err))
		return
	}
	defer conn.Close()

	const xid = 0x4D525048 // HandoffMagic reused as a fixed, recognizable transaction id
	if _, err := conn.Write(buildDiscover(xid, mac)); err != nil {
		g.setDHCPResult(netip.Addr{}, coreerr.Wrap(coreerr.ClassDHCPTimeout, "send dhcpdiscover", err))
		return
	}

	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		g.setDHCPResult(netip.Addr{}, coreerr.Wrap(coreerr.ClassDHCPTimeout, "read dhcpoffer", err))
		return
	}
	offer, ok := parseDHCPReply(buf[:n])
	if !ok || offer.msgType != dhcpMsgTypeOffer {
		g.setDHCPResult(netip.Addr{}, coreerr.New(coreerr.ClassDHCPTimeout, "no dhcpoffer received"))
		return
	}

	if _, err := conn.Write(buildRequest(xid, mac, offer.yiaddr, offer.serverID)); err != nil {
		g.setDHCPResult(netip.Addr{}, coreerr.Wrap(coreerr.ClassDHCPTimeout, "send dhcprequest", err))
		return
	}
	n, err = conn.Read(buf)
	if err != nil {
		g.setDHCPResult(netip.Addr{}, coreerr.Wrap(coreerr.ClassDHCPTimeout, "read dhcpack", err))
		return
	}
	ack, ok := parseDHCPReply(buf[:n])
	if !ok || ack.msgType != dhcpMsgTypeAck {
		g.setDHCPResult(netip.Addr{}, coreerr.New(coreerr.ClassDHCPTimeout, "dhcp request not acknowledged"))
		return
	}

	addr := netip.AddrFrom4(ack.yiaddr)
	g.setDHCPResult(addr, nil)
}
