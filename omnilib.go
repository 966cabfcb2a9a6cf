package omnilib

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/ebitengine/purego"
)

// ABIVersion identifies the entry point contract this package binds against.
// Version 1: OmniStart takes a single argument line.
const ABIVersion = 1

// Exported symbol names expected in the core library.
const (
	SymbolStart       = "OmniStart"
	SymbolJSONCmdReq  = "JsonCmdReq"
	SymbolSetCallback = "SetCallback"
)

// CallbackJSONCmdReq is the callback slot omnicored uses to send JSON
// requests back to the host.
const CallbackJSONCmdReq uint32 = 1

// StatusFailure is the integer result reported when a call is not forwarded.
const StatusFailure = -1

var (
	// ErrNotReady is returned when the entry point for an operation was never resolved.
	ErrNotReady = errors.New("omnilib: entry point not resolved")
	// ErrInvalidArgument is returned when a required pointer argument is nil.
	ErrInvalidArgument = errors.New("omnilib: invalid argument")
	// ErrNullResult is returned when JsonCmdReq returned a NULL string.
	ErrNullResult = errors.New("omnilib: core returned null result")
)

// Mode selects how entry points are bound.
type Mode int

const (
	// ModeAuto loads the library file on windows and tries the process image
	// first, then the library file, elsewhere.
	ModeAuto Mode = iota
	// ModeDynamic loads the library file.
	ModeDynamic
	// ModeLinked resolves symbols already linked into the running process.
	ModeLinked
)

func (m Mode) String() string {
	switch m {
	case ModeDynamic:
		return "dynamic"
	case ModeLinked:
		return "linked"
	default:
		return "auto"
	}
}

// ParseMode parses the textual form produced by Mode.String.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "auto":
		return ModeAuto, nil
	case "dynamic":
		return ModeDynamic, nil
	case "linked":
		return ModeLinked, nil
	}
	return ModeAuto, fmt.Errorf("unknown binding mode %q", s)
}

// Options configures a Core.
type Options struct {
	// Path is an explicit library file. It disables the search.
	Path string
	// Dir is searched for the library instead of the working and executable directories.
	Dir     string
	Mode    Mode
	Handler Handler
	Logger  *log.Logger
}

// Status describes what a Core has bound.
type Status struct {
	Ready       bool
	Mode        Mode
	Path        string
	Start       bool
	JSONCmdReq  bool
	SetCallback bool
	Registered  bool
}

// module is a loaded image that entry points are resolved from.
type module interface {
	symbol(name string) (uintptr, error)
	close() error
}

// Core owns the binding to the omnicored library and forwards calls to it.
//
// Forwarded calls are serialised. A Handler must not call back into the
// same Core synchronously: omnicored may invoke it while a forwarded call
// is still in flight.
type Core struct {
	opts Options
	log  *log.Logger

	// slots guards the entry point table and module state.
	slots         sync.RWMutex
	cppStart      func(args string) int32
	cppJSONCmdReq func(req string) *byte
	cppSetCb      func(index uint32, fn uintptr) int32
	mod           module
	loaded        bool
	mode          Mode
	path          string
	registered    bool

	// calls serialises forwarded calls.
	calls sync.Mutex

	cb callbackState

	openLibrary  func(path string) (module, error)
	openLinked   func() (module, error)
	registerFunc func(fptr any, addr uintptr)
	newCallback  func(fn any) uintptr
	candidates   func(opts Options) []string
	goos         string
}

// New creates a Core. Nothing is loaded until Load is called.
func New(opts Options) *Core {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default().WithPrefix("omnilib")
	}
	c := &Core{
		opts:         opts,
		log:          logger,
		openLibrary:  openNativeLibrary,
		openLinked:   openLinkedImage,
		registerFunc: purego.RegisterFunc,
		newCallback:  purego.NewCallback,
		candidates:   Candidates,
		goos:         runtimeGOOS,
	}
	c.cb.handler = opts.Handler
	return c
}

// Open creates a Core and loads it. The Core is returned even when loading
// fails; its forwarding calls then report ErrNotReady.
func Open(opts Options) (*Core, error) {
	c := New(opts)
	return c, c.Load()
}

// Load binds the entry points. It is a no-op once a load succeeded.
func (c *Core) Load() error {
	c.slots.Lock()
	defer c.slots.Unlock()

	if c.loaded {
		return nil
	}

	platform := DetectPlatform()
	c.log.Debug("loading core library", "os", platform.OS, "arch", platform.Arch,
		"cpu", platform.CPU, "avx2", platform.SupportsAVX2, "mode", c.opts.Mode)

	mod, mode, path, err := c.openModule()
	if err != nil {
		c.log.Warn("core library not loaded", "err", err)
		return err
	}

	c.mod = mod
	c.mode = mode
	c.path = path
	c.loaded = true

	c.resolve()
	c.log.Info("core library bound", "mode", mode, "path", path,
		"start", c.cppStart != nil, "jsoncmdreq", c.cppJSONCmdReq != nil, "setcallback", c.cppSetCb != nil)

	if c.cppSetCb != nil {
		ptr := c.callbackPointer()
		c.calls.Lock()
		rc := c.cppSetCb(CallbackJSONCmdReq, ptr)
		c.calls.Unlock()
		c.registered = true
		c.log.Debug("registered reverse callback", "index", CallbackJSONCmdReq, "rc", rc)
	}
	return nil
}

func (c *Core) openModule() (module, Mode, string, error) {
	mode := c.opts.Mode
	if c.opts.Path != "" && mode == ModeAuto {
		mode = ModeDynamic
	}

	if mode == ModeLinked || (mode == ModeAuto && c.goos != "windows") {
		mod, err := c.openLinked()
		if err == nil && hasEntryPoint(mod) {
			return mod, ModeLinked, "", nil
		}
		if mode == ModeLinked {
			if err == nil {
				err = errors.New("no entry points linked into process")
			}
			return nil, mode, "", fmt.Errorf("failed to bind linked symbols: %w", err)
		}
	}

	var errs []error
	for _, path := range c.candidates(c.opts) {
		target := path
		if filepath.Base(path) != path {
			abs, err := filepath.Abs(path)
			if err == nil {
				target = abs
			}
		}
		mod, err := c.openLibrary(target)
		if err != nil {
			c.log.Debug("library candidate rejected", "path", target, "err", err)
			errs = append(errs, err)
			continue
		}
		return mod, ModeDynamic, target, nil
	}
	if len(errs) == 0 {
		return nil, ModeDynamic, "", fmt.Errorf("no %s candidates", LibraryName(c.goos))
	}
	return nil, ModeDynamic, "", fmt.Errorf("failed to open %s: %w", LibraryName(c.goos), errors.Join(errs...))
}

func hasEntryPoint(mod module) bool {
	for _, name := range []string{SymbolStart, SymbolJSONCmdReq, SymbolSetCallback} {
		if addr, err := mod.symbol(name); err == nil && addr != 0 {
			return true
		}
	}
	return false
}

// resolve binds each slot independently; a missing symbol leaves it nil.
func (c *Core) resolve() {
	for _, reg := range []struct {
		fptr any
		name string
	}{
		{&c.cppStart, SymbolStart},
		{&c.cppJSONCmdReq, SymbolJSONCmdReq},
		{&c.cppSetCb, SymbolSetCallback},
	} {
		addr, err := c.mod.symbol(reg.name)
		if err != nil || addr == 0 {
			c.log.Debug("entry point missing", "symbol", reg.name, "err", err)
			continue
		}
		c.registerFunc(reg.fptr, addr)
	}
}

// Ready reports whether any entry point is bound.
func (c *Core) Ready() bool {
	c.slots.RLock()
	defer c.slots.RUnlock()
	return c.cppStart != nil || c.cppJSONCmdReq != nil || c.cppSetCb != nil
}

// Status reports the current binding.
func (c *Core) Status() Status {
	c.slots.RLock()
	defer c.slots.RUnlock()
	return Status{
		Ready:       c.cppStart != nil || c.cppJSONCmdReq != nil || c.cppSetCb != nil,
		Mode:        c.mode,
		Path:        c.path,
		Start:       c.cppStart != nil,
		JSONCmdReq:  c.cppJSONCmdReq != nil,
		SetCallback: c.cppSetCb != nil,
		Registered:  c.registered,
	}
}

// Start forwards the argument line to OmniStart and returns its result.
func (c *Core) Start(args string) (int, error) {
	c.slots.RLock()
	defer c.slots.RUnlock()
	if c.cppStart == nil {
		return StatusFailure, ErrNotReady
	}

	c.calls.Lock()
	defer c.calls.Unlock()
	return int(c.cppStart(args)), nil
}

// JSONCmdReq forwards a JSON request to the core and returns its reply
// verbatim. The reply is copied; the core keeps ownership of its buffer.
func (c *Core) JSONCmdReq(req string) (string, error) {
	c.slots.RLock()
	defer c.slots.RUnlock()
	if c.cppJSONCmdReq == nil {
		return "", ErrNotReady
	}

	c.calls.Lock()
	defer c.calls.Unlock()
	rsp := c.cppJSONCmdReq(req)
	if rsp == nil {
		return "", ErrNullResult
	}
	return goString(rsp), nil
}

// SetCallback registers fn with the core under index.
func (c *Core) SetCallback(index uint32, fn uintptr) (int, error) {
	if fn == 0 {
		return StatusFailure, ErrInvalidArgument
	}
	c.slots.RLock()
	defer c.slots.RUnlock()
	if c.cppSetCb == nil {
		return StatusFailure, ErrNotReady
	}

	c.calls.Lock()
	defer c.calls.Unlock()
	return int(c.cppSetCb(index, fn)), nil
}

// Close unbinds the entry points and releases the library handle once
// in-flight calls return. A closed Core may be loaded again.
func (c *Core) Close() error {
	c.slots.Lock()
	defer c.slots.Unlock()

	c.cppStart = nil
	c.cppJSONCmdReq = nil
	c.cppSetCb = nil
	c.loaded = false
	c.registered = false

	if c.mod == nil {
		return nil
	}
	err := c.mod.close()
	c.mod = nil
	return err
}

// StartArgs builds the single OmniStart argument line from the network
// name and data directory used by the two-argument revision.
func StartArgs(netName, dataDir string) string {
	args := "-datadir=" + dataDir
	if netName != "" && netName != "mainnet" {
		args = "-" + netName + " " + args
	}
	return args
}
