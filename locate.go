package omnilib

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

const libraryBaseName = "omnicored"

var runtimeGOOS = runtime.GOOS

// PlatformInfo holds platform-specific information
type PlatformInfo struct {
	OS             string
	Arch           string
	Extension      string
	Prefix         string
	CPU            string
	SupportsAVX    bool
	SupportsAVX2   bool
	SupportsAVX512 bool
}

// DetectPlatform detects the current platform and the library naming it uses
func DetectPlatform() *PlatformInfo {
	info := &PlatformInfo{
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
		CPU:  cpuid.CPU.BrandName,
	}
	info.Prefix, info.Extension = libraryAffixes(runtime.GOOS)

	// cpuid reports nothing on non-x86 hosts, which leaves the flags false
	info.SupportsAVX = cpuid.CPU.Supports(cpuid.AVX)
	info.SupportsAVX2 = cpuid.CPU.Supports(cpuid.AVX2)
	info.SupportsAVX512 = cpuid.CPU.Supports(cpuid.AVX512F)

	return info
}

func libraryAffixes(goos string) (prefix, extension string) {
	switch goos {
	case "darwin":
		return "lib", ".dylib"
	case "windows":
		return "", ".dll"
	default: // Linux
		return "lib", ".so"
	}
}

// LibraryName returns the platform-specific core library file name for the given OS
func LibraryName(goos string) string {
	prefix, extension := libraryAffixes(goos)
	return prefix + libraryBaseName + extension
}

// Candidates lists the paths Load tries, in order.
//
// An explicit Path is the only candidate. Otherwise Dir is searched if set,
// else the working directory and the directory of the running executable,
// and finally the bare file name is left to the platform loader.
func Candidates(opts Options) []string {
	if opts.Path != "" {
		return []string{opts.Path}
	}

	name := LibraryName(runtimeGOOS)
	if opts.Dir != "" {
		return []string{filepath.Join(opts.Dir, name)}
	}

	var paths []string
	seen := map[string]bool{}
	add := func(dir string) {
		path := filepath.Join(dir, name)
		if seen[path] {
			return
		}
		seen[path] = true
		if _, err := os.Stat(path); err == nil {
			paths = append(paths, path)
		}
	}

	if wd, err := os.Getwd(); err == nil {
		add(wd)
	}
	if exe, err := os.Executable(); err == nil {
		if resolved, err := filepath.EvalSymlinks(exe); err == nil {
			exe = resolved
		}
		add(filepath.Dir(exe))
	}

	return append(paths, name)
}
