//go:build windows
// +build windows

package omnilib

import (
	"fmt"

	"golang.org/x/sys/windows"
)

type nativeModule struct {
	handle windows.Handle
	linked bool
}

// openNativeLibrary loads a DLL on Windows
func openNativeLibrary(path string) (module, error) {
	handle, err := windows.LoadLibrary(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load library: %w", err)
	}
	return &nativeModule{handle: handle}, nil
}

// openLinkedImage returns the module of the running executable, for a core
// linked statically into it.
func openLinkedImage() (module, error) {
	var handle windows.Handle
	if err := windows.GetModuleHandleEx(0, nil, &handle); err != nil {
		return nil, fmt.Errorf("failed to get executable module: %w", err)
	}
	return &nativeModule{handle: handle, linked: true}, nil
}

func (m *nativeModule) symbol(name string) (uintptr, error) {
	proc, err := windows.GetProcAddress(m.handle, name)
	if err != nil {
		return 0, err
	}
	if proc == 0 {
		return 0, fmt.Errorf("symbol %q not found in DLL", name)
	}
	return proc, nil
}

// close frees the DLL; the executable module is only dereferenced
func (m *nativeModule) close() error {
	if m.handle == 0 {
		return nil
	}
	return windows.FreeLibrary(m.handle)
}
