package registry

import (
	"fmt"
	"net"
	"sort"
	"strings"
)

// DefaultIdentities maps the last octet of each display's address to its
// slot in a ten-panel wall.
var DefaultIdentities = map[string]int{
	"161": 0,
	"168": 1,
	"204": 2,
	"221": 3,
	"207": 4,
	"226": 5,
	"193": 6,
	"184": 7,
	"200": 8,
	"214": 9,
}

// IdentityTable is the immutable identity -> slot mapping.
type IdentityTable struct {
	size   int
	slots  map[string]int
	bySlot map[int]string
}

// NewIdentityTable validates entries against size: every slot must be in
// [0,size) and no slot may be assigned twice.
func NewIdentityTable(size int, entries map[string]int) (*IdentityTable, error) {
	if size < 1 {
		return nil, fmt.Errorf("slot count must be at least 1, got %d", size)
	}
	t := &IdentityTable{
		size:   size,
		slots:  make(map[string]int, len(entries)),
		bySlot: make(map[int]string, len(entries)),
	}
	for identity, slot := range entries {
		identity = strings.TrimSpace(identity)
		if identity == "" {
			return nil, fmt.Errorf("empty identity for slot %d", slot)
		}
		if slot < 0 || slot >= size {
			return nil, fmt.Errorf("identity %q maps to slot %d outside [0,%d)", identity, slot, size)
		}
		if prev, dup := t.bySlot[slot]; dup {
			return nil, fmt.Errorf("slot %d assigned to both %q and %q", slot, prev, identity)
		}
		t.slots[identity] = slot
		t.bySlot[slot] = identity
	}
	return t, nil
}

// DefaultIdentityTable returns the entries of DefaultIdentities whose slot
// fits in size.
func DefaultIdentityTable(size int) (*IdentityTable, error) {
	entries := make(map[string]int)
	for identity, slot := range DefaultIdentities {
		if slot < size {
			entries[identity] = slot
		}
	}
	return NewIdentityTable(size, entries)
}

// Size returns N, the number of slots.
func (t *IdentityTable) Size() int { return t.size }

// Lookup returns the slot for identity.
func (t *IdentityTable) Lookup(identity string) (int, bool) {
	slot, ok := t.slots[identity]
	return slot, ok
}

// IdentityFor returns the identity expected at slot.
func (t *IdentityTable) IdentityFor(slot int) (string, bool) {
	identity, ok := t.bySlot[slot]
	return identity, ok
}

// Identities returns all mapped identities ordered by slot.
func (t *IdentityTable) Identities() []string {
	out := make([]string, 0, len(t.slots))
	for identity := range t.slots {
		out = append(out, identity)
	}
	sort.Slice(out, func(i, j int) bool { return t.slots[out[i]] < t.slots[out[j]] })
	return out
}

// IdentityFromAddr derives the identity of a peer from its address.
func IdentityFromAddr(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return IdentityFromHost(addr.String())
}

// IdentityFromHost returns the last component of the host part of a
// "host:port" or bare host string: the last octet of an IPv4 address or
// the last group of an IPv6 address.
func IdentityFromHost(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
	}
	host = strings.Trim(host, "[]")
	if i := strings.IndexByte(host, '%'); i >= 0 {
		host = host[:i]
	}
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return fmt.Sprintf("%d", v4[3])
		}
		parts := strings.Split(host, ":")
		return strings.ToLower(parts[len(parts)-1])
	}
	if i := strings.LastIndexAny(host, ".:"); i >= 0 {
		return host[i+1:]
	}
	return host
}
