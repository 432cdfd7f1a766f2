// Package sys is the system layer of the organize daemon: it reads the host
// network topology and turns committed organize state into the desired
// WireGuard peer and route configuration.
package sys

import (
	"bufio"
	"context"
	"encoding/hex"
	"net"
	"net/netip"
	"os"
	"sort"
	"strings"

	"github.com/ioerror/vula/internal/organize"
	"github.com/ioerror/vula/internal/prefs"
	vulaerrors "github.com/ioerror/vula/pkg/errors"
)

// TopologyReader produces a SystemState snapshot for the given prefs.
type TopologyReader interface {
	Read(ctx context.Context, p prefs.Prefs) (organize.SystemState, error)
}

// Interface is one network interface and its addresses with their prefix
// lengths.
type Interface struct {
	Name  string
	Up    bool
	Addrs []netip.Prefix
}

// NetReader reads interfaces from the kernel and default gateways from
// procfs.
type NetReader struct {
	// overridable in tests
	interfaces func() ([]Interface, error)
	gateways   func() ([]netip.Addr, error)
}

// NewNetReader returns a reader over the live host.
func NewNetReader() *NetReader {
	return &NetReader{interfaces: hostInterfaces, gateways: procGateways}
}

// StaticReader is a TopologyReader over a fixed set of interfaces.
type StaticReader struct {
	Interfaces []Interface
	Gateways   []netip.Addr
}

// Read builds the snapshot from the fixed interfaces.
func (r StaticReader) Read(_ context.Context, p prefs.Prefs) (organize.SystemState, error) {
	return BuildSystemState(r.Interfaces, r.Gateways, p), nil
}

// Read collects, for every up interface whose name is allowed, the
// addresses that prefs allow, grouped by subnet and by interface.
func (r *NetReader) Read(ctx context.Context, p prefs.Prefs) (organize.SystemState, error) {
	ifaces, err := r.interfaces()
	if err != nil {
		return organize.SystemState{}, vulaerrors.NewSystemError(vulaerrors.ErrCodeInternal, "failed to list interfaces", true, err)
	}
	gws, err := r.gateways()
	if err != nil {
		return organize.SystemState{}, vulaerrors.NewSystemError(vulaerrors.ErrCodeInternal, "failed to read default gateways", true, err)
	}
	return BuildSystemState(ifaces, gws, p), nil
}

// BuildSystemState applies the interface and subnet preferences to raw
// interface data.
func BuildSystemState(ifaces []Interface, gateways []netip.Addr, p prefs.Prefs) organize.SystemState {
	s := organize.DefaultSystemState()
	s.HasV6 = false

	for _, iface := range ifaces {
		if !iface.Up || !p.InterfaceAllowed(iface.Name) {
			continue
		}
		for _, pfx := range iface.Addrs {
			ip := pfx.Addr().Unmap().WithZone("")
			if ip.Is6() && !ip.IsLoopback() {
				s.HasV6 = true
			}
			if !p.Allowed(ip) {
				continue
			}
			subnet := netip.PrefixFrom(ip, pfx.Bits()).Masked().String()
			s.CurrentSubnets[subnet] = append(s.CurrentSubnets[subnet], ip)
			s.CurrentInterfaces[iface.Name] = append(s.CurrentInterfaces[iface.Name], ip)
		}
	}
	for _, m := range []map[string][]netip.Addr{s.CurrentSubnets, s.CurrentInterfaces} {
		for _, addrs := range m {
			sort.Slice(addrs, func(i, j int) bool { return addrs[i].Less(addrs[j]) })
		}
	}

	for _, gw := range gateways {
		if s.IsLocal(gw) {
			s.Gateways = append(s.Gateways, gw)
		}
	}
	return s
}

func hostInterfaces() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			return nil, err
		}
		i := Interface{Name: iface.Name, Up: iface.Flags&net.FlagUp != 0}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip, ok := netip.AddrFromSlice(ipnet.IP)
			if !ok {
				continue
			}
			ones, _ := ipnet.Mask.Size()
			i.Addrs = append(i.Addrs, netip.PrefixFrom(ip.Unmap(), ones))
		}
		out = append(out, i)
	}
	return out, nil
}

func procGateways() ([]netip.Addr, error) {
	var out []netip.Addr
	v4, err := readRouteFile("/proc/net/route", parseIPv4Route)
	if err != nil {
		return nil, err
	}
	out = append(out, v4...)
	v6, err := readRouteFile("/proc/net/ipv6_route", parseIPv6Route)
	if err != nil {
		return nil, err
	}
	return append(out, v6...), nil
}

func readRouteFile(path string, parse func(string) (netip.Addr, bool)) ([]netip.Addr, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []netip.Addr
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if gw, ok := parse(sc.Text()); ok {
			out = append(out, gw)
		}
	}
	return out, sc.Err()
}

// parseIPv4Route reads a /proc/net/route line: Iface Destination Gateway
// ... with little-endian hex addresses.
func parseIPv4Route(line string) (netip.Addr, bool) {
	f := strings.Fields(line)
	if len(f) < 3 || f[1] != "00000000" || f[2] == "00000000" {
		return netip.Addr{}, false
	}
	b, err := hex.DecodeString(f[2])
	if err != nil || len(b) != 4 {
		return netip.Addr{}, false
	}
	return netip.AddrFrom4([4]byte{b[3], b[2], b[1], b[0]}), true
}

// parseIPv6Route reads a /proc/net/ipv6_route line: dest destlen src
// srclen nexthop ...
func parseIPv6Route(line string) (netip.Addr, bool) {
	f := strings.Fields(line)
	if len(f) < 5 || f[0] != strings.Repeat("0", 32) || f[1] != "00" {
		return netip.Addr{}, false
	}
	b, err := hex.DecodeString(f[4])
	if err != nil || len(b) != 16 {
		return netip.Addr{}, false
	}
	gw := netip.AddrFrom16([16]byte(b))
	if gw.IsUnspecified() {
		return netip.Addr{}, false
	}
	return gw, true
}
