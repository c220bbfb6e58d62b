package starnet

// addr.go holds the address allocator.  A template such as "10.1.x.0" names
// the octets that are fixed and the octets (marked 'x') into which a link index is encoded.
// Every index maps to its own /24; the allocator has no state, so the same
// (index, template) pair always yields the same network.

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// DefaultAddrTemplate is the prefix used when an experiment names none
const DefaultAddrTemplate = "10.1.x.0"

// subnetBits is the length of every network the allocator hands out
const subnetBits = 24

// addrTemplate is the parsed form of a template string.  fixed holds the
// octet values, variable lists the positions of the 'x' octets left to right.
type addrTemplate struct {
	fixed    [4]byte
	variable []int
}

// parseAddrTemplate splits a dotted-quad template into fixed and variable octets.
// The final octet has to be fixed at 0 since it is the host part of the /24
func parseAddrTemplate(template string) (*addrTemplate, error) {
	octets := strings.Split(strings.TrimSpace(template), ".")
	if len(octets) != 4 {
		return nil, fmt.Errorf("%w: %q does not have four octets", ErrInvalidTemplate, template)
	}

	at := new(addrTemplate)
	for idx, octet := range octets {
		if octet == "x" || octet == "X" {
			if idx == 3 {
				return nil, fmt.Errorf("%w: %q has a variable host octet", ErrInvalidTemplate, template)
			}
			at.variable = append(at.variable, idx)

			continue
		}
		value, err := strconv.Atoi(octet)
		if err != nil || value < 0 || value > 255 {
			return nil, fmt.Errorf("%w: %q has bad octet %q", ErrInvalidTemplate, template, octet)
		}
		at.fixed[idx] = byte(value)
	}

	if at.fixed[3] != 0 {
		return nil, fmt.Errorf("%w: %q host octet must be 0", ErrInvalidTemplate, template)
	}
	if len(at.variable) == 0 {
		return nil, fmt.Errorf("%w: %q has no variable octet", ErrInvalidTemplate, template)
	}

	return at, nil
}

// capacity is the number of distinct indices the template can encode
func (at *addrTemplate) capacity() int {
	return 1 << (8 * len(at.variable))
}

// encode places index into the variable octets, most significant variable octet first
func (at *addrTemplate) encode(index int) (netip.Prefix, error) {
	if index < 0 || index >= at.capacity() {
		return netip.Prefix{}, fmt.Errorf("%w: index %d outside [0,%d)",
			ErrAddressSpaceExhausted, index, at.capacity())
	}

	octets := at.fixed
	residual := index
	for pos := len(at.variable) - 1; pos >= 0; pos-- {
		octets[at.variable[pos]] = byte(residual & 0xff)
		residual >>= 8
	}

	return netip.PrefixFrom(netip.AddrFrom4(octets), subnetBits), nil
}

// Allocate returns the /24 network that index encodes into template.
// ErrAddressSpaceExhausted is returned when index exceeds 256^k - 1 for a template with
// k variable octets, ErrInvalidTemplate when the template cannot be parsed.
func Allocate(index int, template string) (netip.Prefix, error) {
	at, err := parseAddrTemplate(template)
	if err != nil {
		return netip.Prefix{}, err
	}

	return at.encode(index)
}

// Capacity reports how many networks template can produce
func Capacity(template string) (int, error) {
	at, err := parseAddrTemplate(template)
	if err != nil {
		return 0, err
	}

	return at.capacity(), nil
}

// HostAddr returns the n-th host address inside network, n counted from 1.
// Interfaces on a point-to-point link take .1 (hub side) and .2 (leaf side).
func HostAddr(network netip.Prefix, n int) (netip.Addr, error) {
	hostBits := network.Addr().BitLen() - network.Bits()
	if n < 1 || n >= (1<<hostBits)-1 {
		return netip.Addr{}, fmt.Errorf("%w: host %d does not fit %s", ErrAddressSpaceExhausted, n, network)
	}

	octets := network.Masked().Addr().As4()
	value := uint32(octets[0])<<24 | uint32(octets[1])<<16 | uint32(octets[2])<<8 | uint32(octets[3])
	value += uint32(n)

	return netip.AddrFrom4([4]byte{byte(value >> 24), byte(value >> 16), byte(value >> 8), byte(value)}), nil
}
