package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrAccountUnknown is returned when the identity provider has no record of
// the account.
var ErrAccountUnknown = errors.New("identity: account unknown")

// Resolver looks up the published key set for an account.
type Resolver interface {
	ResolveKeys(ctx context.Context, account string) (KeySet, error)
}

// RPCResolver resolves accounts against a condenser-style JSON-RPC node.
type RPCResolver struct {
	endpoint string
	client   *http.Client
}

// NewRPCResolver creates a resolver with the given per-call timeout.
func NewRPCResolver(endpoint string, timeout time.Duration) *RPCResolver {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RPCResolver{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int    `json:"id"`
}

type rpcAuthority struct {
	KeyAuths [][2]json.RawMessage `json:"key_auths"`
}

type rpcAccount struct {
	Name    string       `json:"name"`
	Owner   rpcAuthority `json:"owner"`
	Active  rpcAuthority `json:"active"`
	Posting rpcAuthority `json:"posting"`
	MemoKey string       `json:"memo_key"`
}

type rpcResponse struct {
	Result []rpcAccount `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ResolveKeys fetches the account's owner/active/posting/memo keys.
func (r *RPCResolver) ResolveKeys(ctx context.Context, account string) (KeySet, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "condenser_api.get_accounts",
		Params:  [][]string{{account}},
		ID:      1,
	})
	if err != nil {
		return KeySet{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return KeySet{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return KeySet{}, fmt.Errorf("identity rpc: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return KeySet{}, fmt.Errorf("identity rpc: status %d", resp.StatusCode)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return KeySet{}, err
	}
	var decoded rpcResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return KeySet{}, fmt.Errorf("identity rpc: decode: %w", err)
	}
	if decoded.Error != nil {
		return KeySet{}, fmt.Errorf("identity rpc: %s", decoded.Error.Message)
	}
	if len(decoded.Result) == 0 {
		return KeySet{}, ErrAccountUnknown
	}

	acct := decoded.Result[0]
	ks := KeySet{
		Owner:   authorityKeys(acct.Owner),
		Active:  authorityKeys(acct.Active),
		Posting: authorityKeys(acct.Posting),
	}
	if acct.MemoKey != "" {
		ks.Memo = []string{acct.MemoKey}
	}
	if ks.Empty() {
		return KeySet{}, ErrAccountUnknown
	}
	return ks, nil
}

// authorityKeys extracts the key strings from key_auths pairs, which arrive
// as [key, weight] tuples.
func authorityKeys(auth rpcAuthority) []string {
	var keys []string
	for _, pair := range auth.KeyAuths {
		var key string
		if err := json.Unmarshal(pair[0], &key); err == nil && key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}

// StaticResolver serves a fixed account → key set table. Used in tests and
// single-tenant deployments.
type StaticResolver map[string]KeySet

func (s StaticResolver) ResolveKeys(_ context.Context, account string) (KeySet, error) {
	ks, ok := s[account]
	if !ok {
		return KeySet{}, ErrAccountUnknown
	}
	return ks, nil
}
