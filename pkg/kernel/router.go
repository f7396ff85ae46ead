package kernel

import (
	"encoding/json"
	"sync"
)

// Contract is a component reachable by address from an account's execute.
type Contract interface {
	// Invoke runs method with the nested frame c. value has already been
	// transferred to the contract's address by the caller.
	Invoke(c *Call, value int64, method string, args json.RawMessage) (any, error)
}

// Calldata is the payload of a call to a contract.
type Calldata struct {
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// EncodeCalldata builds calldata for method.
func EncodeCalldata(method string, args any) ([]byte, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Calldata{Method: method, Args: raw})
}

// DecodeCalldata parses data. Empty or null data is a plain value transfer.
func DecodeCalldata(data []byte) (Calldata, error) {
	var cd Calldata
	if len(data) == 0 || string(data) == "null" {
		return cd, nil
	}
	if err := json.Unmarshal(data, &cd); err != nil {
		return cd, ErrBadCalldata.With("%v", err)
	}
	if cd.Method == "" {
		return cd, ErrBadCalldata.With("missing method")
	}
	return cd, nil
}

// Router maps addresses to contracts.
type Router struct {
	mu        sync.RWMutex
	contracts map[Address]Contract
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{contracts: make(map[Address]Contract)}
}

// Register binds a contract to addr, replacing any previous binding.
func (r *Router) Register(addr Address, c Contract) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contracts[addr] = c
}

// Lookup returns the contract bound to addr.
func (r *Router) Lookup(addr Address) (Contract, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contracts[addr]
	return c, ok
}
