package multimcp

import "strings"

// NamespacePrefix is the public prefix every exposed capability name
// carries. The full format is mcp__multi-mcp__{backend}_{original} and is
// a contract consumed by clients; it must not change.
const NamespacePrefix = "mcp__multi-mcp__"

// ExposedName derives the client-visible name for a backend's capability.
// Distinct backend names always produce distinct exposed names because the
// backend name cannot collide within one backend's advertisement and is
// unique across backends.
func ExposedName(backend, original string) string {
	return NamespacePrefix + backend + "_" + original
}

// SplitExposedName recovers the backend and original name from an exposed
// name, given the set of configured backend names. Backend names may
// themselves contain underscores, so the split tries the longest matching
// backend first rather than cutting at the first separator.
func SplitExposedName(exposed string, backends []string) (backend, original string, ok bool) {
	rest, found := strings.CutPrefix(exposed, NamespacePrefix)
	if !found {
		return "", "", false
	}

	for _, name := range backends {
		if after, match := strings.CutPrefix(rest, name+"_"); match {
			if len(name) > len(backend) {
				backend, original = name, after
			}
		}
	}
	if backend == "" {
		return "", "", false
	}
	return backend, original, true
}
