package peer

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"net/netip"
	"regexp"
	"sort"
	"strconv"
	"strings"

	vulaerrors "github.com/ioerror/vula/pkg/errors"
	"github.com/ioerror/vula/pkg/crypto"
)

const (
	// VerifyKeySize is the length of the Ed25519 identity key.
	VerifyKeySize = ed25519.PublicKeySize
	// IDLength is the length of a base64 encoded verify key.
	IDLength = 44
	// DefaultTTL is the lifetime our own descriptors announce.
	DefaultTTL = 86400
)

var hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9.-]+$`)

// Descriptor is a signed peer announcement. Values are immutable: the With
// helpers and Sign return modified copies.
type Descriptor struct {
	Hostname      string
	AddrsV4       []netip.Addr
	AddrsV6       []netip.Addr
	Primary       netip.Addr // zero when the descriptor carries no "p"
	WGPublicKey   crypto.Key
	KEMPublicKey  []byte
	VerifyKey     []byte
	Port          uint16
	ValidFrom     int64
	TTL           int64
	Ephemeral     bool
	RoutedSubnets []netip.Prefix
	Signature     []byte

	// set when the announcement carried an empty v4a/v6a item, so the
	// canonical string reproduces it
	emptyV4 bool
	emptyV6 bool
}

// ParseDescriptor parses the "k=v; k=v;" wire form and validates every field.
func ParseDescriptor(s string) (*Descriptor, error) {
	fields := make(map[string]string)
	for _, item := range strings.Split(s, ";") {
		item = strings.TrimSpace(item)
		if len(item) <= 1 {
			continue
		}
		k, v, ok := strings.Cut(item, "=")
		if !ok {
			return nil, invalid(fmt.Sprintf("item %q is not key=value", item), nil)
		}
		fields[k] = v
	}
	return descriptorFromFields(fields)
}

func descriptorFromFields(f map[string]string) (*Descriptor, error) {
	for k := range f {
		if !knownKeys[k] {
			return nil, invalid(fmt.Sprintf("unknown key %q", k), nil)
		}
	}
	for _, k := range []string{"c", "dt", "e", "hostname", "pk", "port", "vf", "vk"} {
		if _, ok := f[k]; !ok {
			return nil, invalid(fmt.Sprintf("missing key %q", k), nil)
		}
	}

	d := &Descriptor{Hostname: f["hostname"]}
	if !hostnamePattern.MatchString(d.Hostname) || len(d.Hostname) > 255 {
		return nil, invalid("invalid hostname", nil).WithMetadata("hostname", d.Hostname)
	}

	var err error
	if d.KEMPublicKey, err = b64Len(f["c"], crypto.KEMPublicKeySize, "c"); err != nil {
		return nil, err
	}
	if d.VerifyKey, err = b64Len(f["vk"], VerifyKeySize, "vk"); err != nil {
		return nil, err
	}
	if d.WGPublicKey, err = crypto.ParseKey(f["pk"]); err != nil {
		return nil, invalid("invalid pk", err)
	}
	if sig, ok := f["s"]; ok {
		if d.Signature, err = b64Len(sig, ed25519.SignatureSize, "s"); err != nil {
			return nil, err
		}
	}

	port, err := strconv.Atoi(f["port"])
	if err != nil || port < 1 || port > 65535 {
		return nil, invalid(fmt.Sprintf("port %q out of range", f["port"]), err)
	}
	d.Port = uint16(port)

	if d.TTL, err = strconv.ParseInt(f["dt"], 10, 64); err != nil {
		return nil, invalid("invalid dt", err)
	}
	if d.ValidFrom, err = strconv.ParseInt(f["vf"], 10, 64); err != nil {
		return nil, invalid("invalid vf", err)
	}
	if d.Ephemeral, err = parseFlexibool(f["e"]); err != nil {
		return nil, invalid("invalid e", err)
	}

	if p, ok := f["p"]; ok {
		if d.Primary, err = parseAddr(p); err != nil {
			return nil, invalid("invalid p", err)
		}
	}
	if v, ok := f["v4a"]; ok {
		if d.AddrsV4, err = parseAddrList(v, true); err != nil {
			return nil, invalid("invalid v4a", err)
		}
		d.emptyV4 = len(d.AddrsV4) == 0
	}
	if v, ok := f["v6a"]; ok {
		if d.AddrsV6, err = parseAddrList(v, false); err != nil {
			return nil, invalid("invalid v6a", err)
		}
		d.emptyV6 = len(d.AddrsV6) == 0
	}
	if d.RoutedSubnets, err = parsePrefixList(f["r"]); err != nil {
		return nil, invalid("invalid r", err)
	}
	return d, nil
}

var knownKeys = map[string]bool{
	"c": true, "dt": true, "e": true, "hostname": true, "p": true, "pk": true, "port": true,
	"r": true, "s": true, "v4a": true, "v6a": true, "vf": true, "vk": true,
}

// items returns the canonical key/value pairs, sorted by key.
func (d *Descriptor) items(withSig bool) [][2]string {
	out := [][2]string{
		{"c", b64(d.KEMPublicKey)},
		{"dt", strconv.FormatInt(d.TTL, 10)},
		{"e", boolDigit(d.Ephemeral)},
		{"hostname", d.Hostname},
		{"pk", d.WGPublicKey.String()},
		{"port", strconv.Itoa(int(d.Port))},
		{"r", joinPrefixes(d.RoutedSubnets)},
		{"vf", strconv.FormatInt(d.ValidFrom, 10)},
		{"vk", b64(d.VerifyKey)},
	}
	if d.Primary.IsValid() {
		out = append(out, [2]string{"p", d.Primary.String()})
	}
	if len(d.AddrsV4) > 0 || d.emptyV4 {
		out = append(out, [2]string{"v4a", joinAddrs(d.AddrsV4)})
	}
	if len(d.AddrsV6) > 0 || d.emptyV6 {
		out = append(out, [2]string{"v6a", joinAddrs(d.AddrsV6)})
	}
	if withSig && len(d.Signature) > 0 {
		out = append(out, [2]string{"s", b64(d.Signature)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

func render(items [][2]string) string {
	parts := make([]string, len(items))
	for i, kv := range items {
		parts[i] = kv[0] + "=" + kv[1] + ";"
	}
	return strings.Join(parts, " ")
}

// String is the canonical serialization, signature included.
func (d *Descriptor) String() string {
	return render(d.items(true))
}

// SigningBytes is the exact input to the signature: the canonical form
// without the "s" item.
func (d *Descriptor) SigningBytes() []byte {
	return []byte(render(d.items(false)))
}

// MarshalText stores descriptors as their canonical string.
func (d Descriptor) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText parses the canonical string. The signature is not checked.
func (d *Descriptor) UnmarshalText(text []byte) error {
	parsed, err := ParseDescriptor(string(text))
	if err != nil {
		return err
	}
	*d = *parsed
	return nil
}

// ID is the base64 verify key, the peer's durable identity.
func (d *Descriptor) ID() string {
	return b64(d.VerifyKey)
}

// AllAddrs returns the announced IPv6 addresses followed by the IPv4 ones.
func (d *Descriptor) AllAddrs() []netip.Addr {
	out := make([]netip.Addr, 0, len(d.AddrsV6)+len(d.AddrsV4))
	out = append(out, d.AddrsV6...)
	return append(out, d.AddrsV4...)
}

// Expires is the unix time after which the descriptor is stale.
func (d *Descriptor) Expires() int64 {
	return d.ValidFrom + d.TTL
}

// Clone returns a deep copy.
func (d *Descriptor) Clone() *Descriptor {
	if d == nil {
		return nil
	}
	c := *d
	c.AddrsV4 = append([]netip.Addr(nil), d.AddrsV4...)
	c.AddrsV6 = append([]netip.Addr(nil), d.AddrsV6...)
	c.KEMPublicKey = append([]byte(nil), d.KEMPublicKey...)
	c.VerifyKey = append([]byte(nil), d.VerifyKey...)
	c.RoutedSubnets = append([]netip.Prefix(nil), d.RoutedSubnets...)
	c.Signature = append([]byte(nil), d.Signature...)
	if len(c.Signature) == 0 {
		c.Signature = nil
	}
	return &c
}

// Sign returns a signed copy. The verify key is taken from priv.
func (d *Descriptor) Sign(priv ed25519.PrivateKey) *Descriptor {
	c := d.Clone()
	c.VerifyKey = append([]byte(nil), priv.Public().(ed25519.PublicKey)...)
	c.Signature = crypto.Sign(priv, c.SigningBytes())
	return c
}

// Verify reports whether the descriptor carries a valid signature by its
// own verify key.
func (d *Descriptor) Verify() bool {
	if len(d.Signature) == 0 {
		return false
	}
	return crypto.Verify(d.VerifyKey, d.SigningBytes(), d.Signature)
}

// WithPort returns a copy announcing a different port.
func (d *Descriptor) WithPort(port uint16) *Descriptor {
	c := d.Clone()
	c.Port = port
	return c
}

// WithValidFrom returns a copy with a different freshness counter.
func (d *Descriptor) WithValidFrom(vf int64) *Descriptor {
	c := d.Clone()
	c.ValidFrom = vf
	return c
}

// WithHostname returns a copy announcing a different hostname.
func (d *Descriptor) WithHostname(name string) *Descriptor {
	c := d.Clone()
	c.Hostname = name
	return c
}

// WithAddrs returns a copy announcing a different address set. Addresses
// are split by family.
func (d *Descriptor) WithAddrs(addrs ...netip.Addr) *Descriptor {
	c := d.Clone()
	c.AddrsV4, c.AddrsV6 = nil, nil
	for _, a := range addrs {
		if a.Is4() {
			c.AddrsV4 = append(c.AddrsV4, a)
		} else {
			c.AddrsV6 = append(c.AddrsV6, a)
		}
	}
	c.emptyV4, c.emptyV6 = len(c.AddrsV4) == 0, len(c.AddrsV6) == 0
	return c
}

// MakePeer builds the initial local view of a newly accepted identity. All
// announced addresses and the hostname start enabled.
func (d *Descriptor) MakePeer(pinned bool) *Peer {
	p := &Peer{
		Descriptor:  d.Clone(),
		Nicknames:   map[string]bool{d.Hostname: true},
		EnabledIPv4: make(map[string]bool, len(d.AddrsV4)),
		EnabledIPv6: make(map[string]bool, len(d.AddrsV6)),
		Enabled:     true,
		Pinned:      pinned,
	}
	for _, a := range d.AddrsV4 {
		p.EnabledIPv4[a.String()] = true
	}
	for _, a := range d.AddrsV6 {
		p.EnabledIPv6[a.String()] = true
	}
	return p
}

func invalid(msg string, cause error) vulaerrors.DomainError {
	return vulaerrors.NewDescriptorError(vulaerrors.ErrCodeDescriptorInvalid, msg, cause)
}

func b64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func b64Len(s string, n int, key string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, invalid(fmt.Sprintf("%s is not valid base64", key), err)
	}
	if len(b) != n {
		return nil, invalid(fmt.Sprintf("%s has length %d, expected %d", key, len(b), n), nil)
	}
	return b, nil
}

func parseFlexibool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "on", "y", "j", "ja":
		return true, nil
	case "0", "false", "no", "off", "n", "nein", "nej":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}

func boolDigit(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func parseAddr(s string) (netip.Addr, error) {
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, err
	}
	if a.Zone() != "" {
		return netip.Addr{}, fmt.Errorf("address %q must not carry a zone", s)
	}
	return a, nil
}

func parseAddrList(s string, v4 bool) ([]netip.Addr, error) {
	var out []netip.Addr
	for _, part := range strings.Split(s, ",") {
		if part == "" {
			continue
		}
		a, err := parseAddr(part)
		if err != nil {
			return nil, err
		}
		if a.Is4() != v4 {
			return nil, fmt.Errorf("address %q has the wrong family", part)
		}
		out = append(out, a)
	}
	return out, nil
}

func parsePrefixList(s string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, part := range strings.Split(s, ",") {
		if part == "" {
			continue
		}
		p, err := netip.ParsePrefix(part)
		if err != nil {
			return nil, err
		}
		if p.Masked() != p {
			return nil, fmt.Errorf("%s has host bits set", part)
		}
		out = append(out, p)
	}
	return out, nil
}

func joinAddrs(addrs []netip.Addr) string {
	parts := make([]string, len(addrs))
	for i, a := range addrs {
		parts[i] = a.String()
	}
	return strings.Join(parts, ",")
}

func joinPrefixes(prefixes []netip.Prefix) string {
	parts := make([]string, len(prefixes))
	for i, p := range prefixes {
		parts[i] = p.String()
	}
	return strings.Join(parts, ",")
}
