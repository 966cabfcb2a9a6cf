package omnilib

import (
	"errors"
	"fmt"
	"io"
	"reflect"
	"testing"
	"unsafe"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"
)

const testCallbackPtr = uintptr(0xC0FFEE)

type fakeModule struct {
	syms   map[string]uintptr
	closed bool
}

func (m *fakeModule) symbol(name string) (uintptr, error) {
	if addr, ok := m.syms[name]; ok {
		return addr, nil
	}
	return 0, fmt.Errorf("symbol %q not found", name)
}

func (m *fakeModule) close() error {
	m.closed = true
	return nil
}

type setCallbackCall struct {
	index uint32
	fn    uintptr
}

// newTestCore returns a Core whose library exposes entries, bound to plain Go
// functions instead of native code.
func newTestCore(t *testing.T, entries map[string]any) (*Core, *fakeModule) {
	t.Helper()

	mod := &fakeModule{syms: map[string]uintptr{}}
	funcs := map[uintptr]any{}
	addr := uintptr(0x1000)
	for name, fn := range entries {
		addr += 0x10
		mod.syms[name] = addr
		funcs[addr] = fn
	}

	c := New(Options{Path: "/opt/omni/libomnicored.so", Logger: log.New(io.Discard)})
	c.openLibrary = func(path string) (module, error) { return mod, nil }
	c.openLinked = func() (module, error) { return nil, errors.New("not linked") }
	c.registerFunc = func(fptr any, addr uintptr) {
		reflect.ValueOf(fptr).Elem().Set(reflect.ValueOf(funcs[addr]))
	}
	c.newCallback = func(fn any) uintptr { return testCallbackPtr }
	return c, mod
}

func echoJSONCmdReq(req string) *byte {
	return &cString("echo:" + req)[0]
}

func TestModuleAbsent(t *testing.T) {
	c, _ := newTestCore(t, nil)
	c.openLibrary = func(path string) (module, error) {
		return nil, fmt.Errorf("%s: cannot open shared object file", path)
	}

	require.Error(t, c.Load())
	require.False(t, c.Ready())

	rc, err := c.Start("-datadir=/tmp")
	require.ErrorIs(t, err, ErrNotReady)
	require.Equal(t, StatusFailure, rc)

	rsp, err := c.JSONCmdReq(`{"method":"omni_getinfo","params":[]}`)
	require.ErrorIs(t, err, ErrNotReady)
	require.Empty(t, rsp)

	rc, err = c.SetCallback(CallbackJSONCmdReq, testCallbackPtr)
	require.ErrorIs(t, err, ErrNotReady)
	require.Equal(t, StatusFailure, rc)
}

func TestOpenReturnsCoreOnFailure(t *testing.T) {
	c, err := Open(Options{Path: "/nonexistent/libomnicored.so", Mode: ModeDynamic, Logger: log.New(io.Discard)})
	require.Error(t, err)
	require.NotNil(t, c)

	_, err = c.JSONCmdReq("{}")
	require.ErrorIs(t, err, ErrNotReady)
}

func TestOnlyJSONCmdReqExported(t *testing.T) {
	c, _ := newTestCore(t, map[string]any{
		SymbolJSONCmdReq: echoJSONCmdReq,
	})
	require.NoError(t, c.Load())

	rsp, err := c.JSONCmdReq(`{"id":1}`)
	require.NoError(t, err)
	require.Equal(t, `echo:{"id":1}`, rsp)

	rc, err := c.Start("")
	require.ErrorIs(t, err, ErrNotReady)
	require.Equal(t, StatusFailure, rc)

	rc, err = c.SetCallback(CallbackJSONCmdReq, testCallbackPtr)
	require.ErrorIs(t, err, ErrNotReady)
	require.Equal(t, StatusFailure, rc)

	st := c.Status()
	require.True(t, st.Ready)
	require.True(t, st.JSONCmdReq)
	require.False(t, st.Start)
	require.False(t, st.SetCallback)
	require.False(t, st.Registered)
}

func TestLoadRegistersReverseCallbackOnce(t *testing.T) {
	var calls []setCallbackCall
	c, _ := newTestCore(t, map[string]any{
		SymbolStart:      func(args string) int32 { return 0 },
		SymbolJSONCmdReq: echoJSONCmdReq,
		SymbolSetCallback: func(index uint32, fn uintptr) int32 {
			calls = append(calls, setCallbackCall{index, fn})
			return 0
		},
	})

	require.NoError(t, c.Load())
	require.NoError(t, c.Load())

	require.Equal(t, []setCallbackCall{{CallbackJSONCmdReq, testCallbackPtr}}, calls)
	require.Equal(t, testCallbackPtr, c.CallbackPointer())
	require.True(t, c.Status().Registered)
}

func TestForwardingPassesThrough(t *testing.T) {
	var started []string
	var calls []setCallbackCall
	c, _ := newTestCore(t, map[string]any{
		SymbolStart: func(args string) int32 {
			started = append(started, args)
			return 42
		},
		SymbolJSONCmdReq: echoJSONCmdReq,
		SymbolSetCallback: func(index uint32, fn uintptr) int32 {
			calls = append(calls, setCallbackCall{index, fn})
			return 7
		},
	})
	require.NoError(t, c.Load())

	rc, err := c.Start("-testnet -datadir=/var/omni")
	require.NoError(t, err)
	require.Equal(t, 42, rc)
	require.Equal(t, []string{"-testnet -datadir=/var/omni"}, started)

	req := `{"method":"omni_listproperties","params":[],"id":3}`
	rsp, err := c.JSONCmdReq(req)
	require.NoError(t, err)
	require.Equal(t, "echo:"+req, rsp)

	rc, err = c.SetCallback(5, 0xBEEF)
	require.NoError(t, err)
	require.Equal(t, 7, rc)
	require.Equal(t, setCallbackCall{5, 0xBEEF}, calls[len(calls)-1])
}

func TestSetCallbackRejectsNilPointer(t *testing.T) {
	unloaded, _ := newTestCore(t, nil)
	rc, err := unloaded.SetCallback(CallbackJSONCmdReq, 0)
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.Equal(t, StatusFailure, rc)

	invoked := 0
	c, _ := newTestCore(t, map[string]any{
		SymbolSetCallback: func(index uint32, fn uintptr) int32 {
			invoked++
			return 0
		},
	})
	require.NoError(t, c.Load())
	invoked = 0

	rc, err = c.SetCallback(CallbackJSONCmdReq, 0)
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.Equal(t, StatusFailure, rc)
	require.Zero(t, invoked)
}

func TestJSONCmdReqNullResult(t *testing.T) {
	c, _ := newTestCore(t, map[string]any{
		SymbolJSONCmdReq: func(req string) *byte { return nil },
	})
	require.NoError(t, c.Load())

	rsp, err := c.JSONCmdReq("{}")
	require.ErrorIs(t, err, ErrNullResult)
	require.Empty(t, rsp)
}

func TestLoadRetriesAfterFailure(t *testing.T) {
	c, mod := newTestCore(t, map[string]any{
		SymbolJSONCmdReq: echoJSONCmdReq,
	})
	attempts := 0
	c.openLibrary = func(path string) (module, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("not yet")
		}
		return mod, nil
	}

	require.Error(t, c.Load())
	require.NoError(t, c.Load())
	require.True(t, c.Ready())
	require.Equal(t, 2, attempts)
}

func TestLoadSearchesCandidates(t *testing.T) {
	c, mod := newTestCore(t, map[string]any{
		SymbolStart: func(args string) int32 { return 0 },
	})
	c.opts.Path = ""
	c.candidates = func(Options) []string {
		return []string{"/missing/libomnicored.so", "libomnicored.so"}
	}
	var tried []string
	c.openLibrary = func(path string) (module, error) {
		tried = append(tried, path)
		if path == "libomnicored.so" {
			return mod, nil
		}
		return nil, errors.New("no such file")
	}
	c.goos = "windows"

	require.NoError(t, c.Load())
	require.Equal(t, []string{"/missing/libomnicored.so", "libomnicored.so"}, tried)

	st := c.Status()
	require.Equal(t, ModeDynamic, st.Mode)
	require.Equal(t, "libomnicored.so", st.Path)
}

func TestLinkedMode(t *testing.T) {
	c, mod := newTestCore(t, map[string]any{
		SymbolJSONCmdReq: echoJSONCmdReq,
	})
	c.opts = Options{Mode: ModeAuto}
	c.goos = "linux"
	c.openLinked = func() (module, error) { return mod, nil }
	c.openLibrary = func(path string) (module, error) {
		t.Fatalf("unexpected library load of %s", path)
		return nil, nil
	}

	require.NoError(t, c.Load())
	require.Equal(t, ModeLinked, c.Status().Mode)

	rsp, err := c.JSONCmdReq("ping")
	require.NoError(t, err)
	require.Equal(t, "echo:ping", rsp)
}

func TestLinkedModeWithoutSymbols(t *testing.T) {
	c, _ := newTestCore(t, nil)
	c.opts = Options{Mode: ModeLinked}
	c.openLinked = func() (module, error) { return &fakeModule{}, nil }

	require.Error(t, c.Load())
	require.False(t, c.Ready())
}

func TestAutoModeOnWindowsSkipsLinked(t *testing.T) {
	c, _ := newTestCore(t, map[string]any{
		SymbolStart: func(args string) int32 { return 0 },
	})
	c.opts = Options{Mode: ModeAuto}
	c.goos = "windows"
	c.candidates = func(Options) []string { return []string{"omnicored.dll"} }
	c.openLinked = func() (module, error) {
		t.Fatal("linked image consulted on windows")
		return nil, nil
	}

	require.NoError(t, c.Load())
	require.Equal(t, ModeDynamic, c.Status().Mode)
}

func TestClose(t *testing.T) {
	c, mod := newTestCore(t, map[string]any{
		SymbolStart: func(args string) int32 { return 1 },
	})
	require.NoError(t, c.Load())
	require.NoError(t, c.Close())
	require.True(t, mod.closed)
	require.False(t, c.Ready())

	_, err := c.Start("")
	require.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, c.Close())
}

func TestReverseCallback(t *testing.T) {
	c, _ := newTestCore(t, nil)

	req := cString(`{"method":"getblockcount"}`)
	require.Zero(t, c.jsonCmdReqOmToHost(uintptr(unsafe.Pointer(&req[0]))))

	c.SetHandler(HandlerFunc(func(req string) string {
		return `{"result":` + fmt.Sprint(len(req)) + `}`
	}))
	ptr := c.jsonCmdReqOmToHost(uintptr(unsafe.Pointer(&req[0])))
	require.NotZero(t, ptr)
	require.Equal(t, `{"result":26}`, goString((*byte)(unsafe.Pointer(ptr))))
}

func TestReverseCallbackRetainsReplies(t *testing.T) {
	c, _ := newTestCore(t, nil)
	c.SetHandler(HandlerFunc(func(req string) string { return req }))

	for i := 0; i < replyRetention+3; i++ {
		reply, ok := c.serveCallback(fmt.Sprint(i))
		require.True(t, ok)
		require.Equal(t, byte(0), reply[len(reply)-1])
	}
	require.Equal(t, 3, c.cb.next)
	require.Equal(t, "18", goString(&c.cb.replies[2][0]))
}

func TestGoString(t *testing.T) {
	require.Equal(t, "", goString(nil))
	require.Equal(t, "", goString(&cString("")[0]))
	require.Equal(t, "omni", goString(&cString("omni")[0]))
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{ModeAuto, ModeDynamic, ModeLinked} {
		parsed, err := ParseMode(m.String())
		require.NoError(t, err)
		require.Equal(t, m, parsed)
	}
	_, err := ParseMode("static")
	require.Error(t, err)
}

func TestStartArgs(t *testing.T) {
	require.Equal(t, "-datadir=/var/omni", StartArgs("mainnet", "/var/omni"))
	require.Equal(t, "-testnet -datadir=/var/omni", StartArgs("testnet", "/var/omni"))
}

func TestLibraryLoading(t *testing.T) {
	c, err := Open(Options{Logger: log.New(io.Discard)})
	if err != nil {
		t.Skipf("Skipping test: core library not available: %v", err)
	}
	defer c.Close()

	st := c.Status()
	if !st.JSONCmdReq {
		t.Skipf("Skipping test: %s not exported", SymbolJSONCmdReq)
	}
	if _, err := c.JSONCmdReq(`{"method":"omni_getinfo","params":[],"id":1}`); err != nil {
		t.Fatalf("Failed to forward request: %v", err)
	}
}
