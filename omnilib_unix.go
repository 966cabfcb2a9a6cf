//go:build !windows
// +build !windows

package omnilib

import (
	"github.com/ebitengine/purego"
)

type nativeModule struct {
	handle uintptr
	linked bool
}

// openNativeLibrary loads a shared library on Unix-like systems
func openNativeLibrary(path string) (module, error) {
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, err
	}
	return &nativeModule{handle: handle}, nil
}

// openLinkedImage resolves against every object already loaded into the
// process, which includes a core library linked into the executable.
func openLinkedImage() (module, error) {
	return &nativeModule{handle: purego.RTLD_DEFAULT, linked: true}, nil
}

func (m *nativeModule) symbol(name string) (uintptr, error) {
	return purego.Dlsym(m.handle, name)
}

// close unloads the shared library; the process image is never closed
func (m *nativeModule) close() error {
	if m.linked || m.handle == 0 {
		return nil
	}
	return purego.Dlclose(m.handle)
}
