package version

import (
	"runtime/debug"
)

// Get returns the module version of the given main module or dependency as
// recorded in the binary's build information, or "dev" when unavailable.
func Get(modulePath string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}

	if info.Main.Path == modulePath {
		if info.Main.Version == "" || info.Main.Version == "(devel)" {
			return "dev"
		}
		return info.Main.Version
	}

	for _, dep := range info.Deps {
		if dep.Path == modulePath {
			return dep.Version
		}
	}

	return "dev"
}
