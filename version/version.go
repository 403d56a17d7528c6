// Package version exposes build and dependency information for the
// collabd binary.
package version

import (
	"runtime/debug"
	"sort"
)

// Version is the collabd release version, overridable at build time via
// -ldflags "-X collab.evalgo.org/version.Version=...".
var Version = "dev"

// DependencyInfo represents a module dependency and its version.
type DependencyInfo struct {
	Path    string `json:"path"`
	Version string `json:"version"`
	Replace string `json:"replace,omitempty"`
}

// BuildInfo contains build-time information embedded in the binary.
type BuildInfo struct {
	Version      string           `json:"version"`
	GoVersion    string           `json:"goVersion"`
	MainModule   string           `json:"mainModule"`
	Dependencies []DependencyInfo `json:"dependencies"`
}

// GetBuildInfo extracts build information from the running binary.
func GetBuildInfo() *BuildInfo {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return &BuildInfo{
			Version:      Version,
			GoVersion:    "unknown",
			MainModule:   "unknown",
			Dependencies: []DependencyInfo{},
		}
	}

	buildInfo := &BuildInfo{
		Version:      Version,
		GoVersion:    info.GoVersion,
		MainModule:   info.Path,
		Dependencies: make([]DependencyInfo, 0, len(info.Deps)),
	}

	for _, dep := range info.Deps {
		depInfo := DependencyInfo{
			Path:    dep.Path,
			Version: dep.Version,
		}
		if dep.Replace != nil {
			depInfo.Replace = dep.Replace.Path + "@" + dep.Replace.Version
		}
		buildInfo.Dependencies = append(buildInfo.Dependencies, depInfo)
	}

	sort.Slice(buildInfo.Dependencies, func(i, j int) bool {
		return buildInfo.Dependencies[i].Path < buildInfo.Dependencies[j].Path
	})

	return buildInfo
}

// GetDependency returns version information for a specific dependency, or
// nil when the module is not linked in.
func GetDependency(modulePath string) *DependencyInfo {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return nil
	}

	for _, dep := range info.Deps {
		if dep.Path == modulePath {
			depInfo := &DependencyInfo{
				Path:    dep.Path,
				Version: dep.Version,
			}
			if dep.Replace != nil {
				depInfo.Replace = dep.Replace.Path + "@" + dep.Replace.Version
			}
			return depInfo
		}
	}

	return nil
}
