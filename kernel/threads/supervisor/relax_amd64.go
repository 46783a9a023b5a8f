//go:build amd64 && !noasm

package supervisor

// cpuRelax emits PAUSE so a spinning tile yields pipeline resources to its
// hyperthread sibling.
//
//go:noescape
func cpuRelax()
