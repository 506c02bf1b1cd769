package relnet

import (
	"fmt"
	"net"
)

// Address is a 128-bit IPv6 address with an IPv4-mapped form (10 zero
// bytes, 0xFFFF, then the 32-bit IPv4 address) plus a 16-bit port.
type Address struct {
	IP   [16]byte
	Port uint16
}

var v4Prefix = [12]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xFF, 0xFF}

// AddressFromUDP converts a *net.UDPAddr into an Address, mapping IPv4
// addresses into the IPv4-mapped IPv6 form.
func AddressFromUDP(a *net.UDPAddr) Address {
	var out Address
	out.Port = uint16(a.Port)
	if ip4 := a.IP.To4(); ip4 != nil {
		copy(out.IP[:12], v4Prefix[:])
		copy(out.IP[12:], ip4)
		return out
	}
	ip16 := a.IP.To16()
	if ip16 != nil {
		copy(out.IP[:], ip16)
	}
	return out
}

// IsIPv4Mapped reports whether a carries the 10-zero-byte/0xFFFF prefix.
func (a Address) IsIPv4Mapped() bool {
	return a.IP[10] == 0xFF && a.IP[11] == 0xFF &&
		a.IP[0] == 0 && a.IP[1] == 0 && a.IP[2] == 0 && a.IP[3] == 0 &&
		a.IP[4] == 0 && a.IP[5] == 0 && a.IP[6] == 0 && a.IP[7] == 0 &&
		a.IP[8] == 0 && a.IP[9] == 0
}

// UDPAddr converts back to a *net.UDPAddr for use with a Socket.
func (a Address) UDPAddr() *net.UDPAddr {
	if a.IsIPv4Mapped() {
		return &net.UDPAddr{IP: net.IPv4(a.IP[12], a.IP[13], a.IP[14], a.IP[15]), Port: int(a.Port)}
	}
	ip := make(net.IP, 16)
	copy(ip, a.IP[:])
	return &net.UDPAddr{IP: ip, Port: int(a.Port)}
}

// Equal compares IP and port.
func (a Address) Equal(b Address) bool {
	return a.IP == b.IP && a.Port == b.Port
}

// IsBroadcastIPv4 reports whether a is the IPv4 limited broadcast address
// 255.255.255.255, which receive validation exempts from the strict
// peer-address match.
func (a Address) IsBroadcastIPv4() bool {
	return a.IsIPv4Mapped() && a.IP[12] == 255 && a.IP[13] == 255 && a.IP[14] == 255 && a.IP[15] == 255
}

func (a Address) String() string {
	return fmt.Sprintf("%s:%d", a.UDPAddr().IP.String(), a.Port)
}
