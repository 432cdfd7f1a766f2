package organize

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/ioerror/vula/internal/fsutil"
)

// RenderHosts produces the hosts(5) file mapping our own name and every
// enabled name of every enabled peer to its primary address. Names of
// peers with an IPv4 address also get an IPv4 line, for v4-only programs.
func RenderHosts(s *State, hostname string) string {
	var b strings.Builder
	if s.Prefs.PrimaryIP.IsValid() {
		fmt.Fprintf(&b, "%s %s\n", s.Prefs.PrimaryIP, hostname)
	}
	for _, ip := range s.SystemState.CurrentIPs() {
		if ip.Is4() {
			fmt.Fprintf(&b, "%s %s\n", ip, hostname)
			break
		}
	}

	var v4Lines []string
	for _, p := range s.Peers.Limit(true).Sorted() {
		primary := p.PrimaryIP()
		var v4 netip.Addr
		for _, a := range p.EnabledIPs() {
			if a.Is4() {
				v4 = a
				break
			}
		}
		for _, name := range p.EnabledNames() {
			if primary.IsValid() {
				fmt.Fprintf(&b, "%s %s\n", primary, name)
			}
			if v4.IsValid() && v4 != primary {
				v4Lines = append(v4Lines, fmt.Sprintf("%s %s\n", v4, name))
			}
		}
	}
	for _, l := range v4Lines {
		b.WriteString(l)
	}
	return b.String()
}

// WriteHosts writes RenderHosts to path. Hosts files are world readable.
func WriteHosts(path string, s *State, hostname string) error {
	return fsutil.WriteAtomic(fsutil.ExpandHome(path), []byte(RenderHosts(s, hostname)), 0644)
}
