// Package omnilib binds a host process to the omnicored core library.
//
// A Core locates the library (or symbols already linked into the process),
// resolves the OmniStart, JsonCmdReq and SetCallback entry points and
// forwards calls to them unchanged. Unresolved entry points are reported as
// ErrNotReady rather than faults, so a host keeps running when the library
// is absent. At load time the Core registers a reverse callback under
// CallbackJSONCmdReq through which omnicored sends JSON requests to the
// host's Handler.
//
// Binding uses purego, so cgo is not required.
package omnilib
