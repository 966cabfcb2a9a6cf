package omnilib

import (
	"sync"
	"unsafe"
)

// replyRetention is how many callback replies stay referenced after they are
// handed to the core. A reply must be consumed before that many further
// callbacks complete.
const replyRetention = 16

// Handler answers JSON requests omnicored sends to the host.
type Handler interface {
	HandleOmniRequest(req string) string
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(req string) string

// HandleOmniRequest calls f(req).
func (f HandlerFunc) HandleOmniRequest(req string) string {
	return f(req)
}

type callbackState struct {
	once sync.Once
	ptr  uintptr

	mu      sync.Mutex
	handler Handler
	replies [replyRetention][]byte
	next    int
}

// SetHandler replaces the handler serving reverse callbacks. A nil handler
// makes the callback return NULL.
func (c *Core) SetHandler(h Handler) {
	c.cb.mu.Lock()
	c.cb.handler = h
	c.cb.mu.Unlock()
}

// CallbackPointer returns the C-callable function registered with the core
// under CallbackJSONCmdReq. It has the C signature
// const char *(*)(const char *).
func (c *Core) CallbackPointer() uintptr {
	return c.callbackPointer()
}

// callbackPointer creates the callback once per Core; callback slots are a
// finite process resource and are never released.
func (c *Core) callbackPointer() uintptr {
	c.cb.once.Do(func() {
		c.cb.ptr = c.newCallback(c.jsonCmdReqOmToHost)
	})
	return c.cb.ptr
}

// jsonCmdReqOmToHost is invoked by omnicored, possibly from its own threads.
func (c *Core) jsonCmdReqOmToHost(req uintptr) uintptr {
	reply, ok := c.serveCallback(goString((*byte)(unsafe.Pointer(req))))
	if !ok {
		return 0
	}
	return uintptr(unsafe.Pointer(&reply[0]))
}

// serveCallback runs the handler and retains the NUL-terminated reply.
func (c *Core) serveCallback(req string) ([]byte, bool) {
	c.cb.mu.Lock()
	h := c.cb.handler
	c.cb.mu.Unlock()
	if h == nil {
		c.log.Debug("reverse callback without handler", "req", req)
		return nil, false
	}

	rsp := h.HandleOmniRequest(req)
	c.log.Debug("reverse callback served", "req", req, "rsp", rsp)

	reply := cString(rsp)
	c.cb.mu.Lock()
	c.cb.replies[c.cb.next] = reply
	c.cb.next = (c.cb.next + 1) % replyRetention
	c.cb.mu.Unlock()
	return reply, true
}

// cString returns s as a NUL-terminated byte slice.
func cString(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}

// goString copies a NUL-terminated C string.
func goString(p *byte) string {
	if p == nil {
		return ""
	}
	n := 0
	for *(*byte)(unsafe.Add(unsafe.Pointer(p), n)) != 0 {
		n++
	}
	return string(unsafe.Slice(p, n))
}
