package runtime

import "strings"

// Address identifies an engine's inbox on the bus. The canonical form is
// "node/process"; the node segment scopes ownership checks during engine
// initialization.
type Address string

// MakeAddress builds an address from its node and process segments.
func MakeAddress(node, process string) Address {
	return Address(node + "/" + process)
}

// Node returns the node segment of the address, or the whole address when it
// has no process segment.
func (a Address) Node() string {
	if i := strings.IndexByte(string(a), '/'); i >= 0 {
		return string(a)[:i]
	}
	return string(a)
}

// Process returns the process segment of the address.
func (a Address) Process() string {
	if i := strings.IndexByte(string(a), '/'); i >= 0 {
		return string(a)[i+1:]
	}
	return ""
}

func (a Address) String() string { return string(a) }

// SameNode reports whether both addresses live on the same node. Engine
// initialization only accepts init messages from same-node sources.
func (a Address) SameNode(other Address) bool {
	return a.Node() == other.Node()
}
