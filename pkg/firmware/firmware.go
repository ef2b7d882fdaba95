// Package firmware holds the value types naming firmware builds as they move
// between the attribute store, the repository, and the device's disk.
package firmware

import "fmt"

// Identity names a firmware build. Two identities refer to the same build
// only when both fields match exactly; versions are opaque labels, not
// ordered values.
type Identity struct {
	Title   string `json:"title"`
	Version string `json:"version"`
}

// Provisioned reports whether the identity actually names a build. An
// operator that has not assigned firmware yet leaves one or both fields empty.
func (id Identity) Provisioned() bool {
	return id.Title != "" && id.Version != ""
}

// Equal reports exact equality of title and version.
func (id Identity) Equal(other Identity) bool {
	return id.Title == other.Title && id.Version == other.Version
}

func (id Identity) String() string {
	if !id.Provisioned() {
		return "(unassigned)"
	}
	return fmt.Sprintf("%s@%s", id.Title, id.Version)
}

// Assignment is the operator's instruction resolved from shared attributes:
// the identity the device should converge on and, optionally, the repository
// serving it. An empty RepositoryURL defers to the device's configuration.
type Assignment struct {
	Identity

	RepositoryURL string
}
