package omnilib

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// Requester forwards a raw JSON request. *Core implements it.
type Requester interface {
	JSONCmdReq(req string) (string, error)
}

// Request is a JSON-RPC request sent to the core.
type Request struct {
	ID     uint64        `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// Response is the core's JSON-RPC reply.
type Response struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
	ID     *uint64         `json:"id"`
}

// RPCError is an error object returned by the core.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// Client issues JSON-RPC calls through a Requester.
type Client struct {
	r      Requester
	lastID atomic.Uint64
}

// NewClient creates a Client on top of r.
func NewClient(r Requester) *Client {
	return &Client{r: r}
}

func (c *Client) send(method string, params []interface{}) (string, error) {
	if params == nil {
		params = []interface{}{}
	}
	req := Request{
		ID:     c.lastID.Add(1),
		Method: method,
		Params: params,
	}
	b, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s request: %w", method, err)
	}
	return c.r.JSONCmdReq(string(b))
}

// Call sends method with params and returns the result. An error object in
// the reply is returned as *RPCError.
func (c *Client) Call(method string, params ...interface{}) (json.RawMessage, error) {
	rsp, err := c.send(method, params)
	if err != nil {
		return nil, err
	}

	var response Response
	if err := json.Unmarshal([]byte(rsp), &response); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if response.Error != nil {
		return nil, response.Error
	}
	return response.Result, nil
}

// Notify sends method with params and ignores the reply.
func (c *Client) Notify(method string, params ...interface{}) error {
	_, err := c.send(method, params)
	return err
}
