package program

import (
	"github.com/ianlancetaylor/demangle"
)

// Scheme demangles a single mangled symbol name, returning it unchanged if
// the scheme does not recognize it. Pluggable so additional ABIs (Rust,
// Swift) can be added without touching Program's init path.
type Scheme func(mangled string) string

// itaniumDemangle is the MVP scheme: Itanium C++ mangling via
// github.com/ianlancetaylor/demangle, the same library aclements/go-perf's
// perfsession package uses for symbolizing native call stacks.
func itaniumDemangle(mangled string) string {
	out, err := demangle.ToString(mangled)
	if err != nil {
		return mangled
	}
	return out
}

// Demangle demangles a single mangled symbol using the Program's
// configured scheme (Itanium C++ by default).
func (p *Program) Demangle(mangled string) string {
	return p.demangler(mangled)
}
