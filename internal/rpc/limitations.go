package rpc

import (
	"net/url"
	"strings"
	"time"

	"beefy-importer/internal/chain"
)

// Common JSON-RPC method names the importer issues.
const (
	MethodGetLogs        = "eth_getLogs"
	MethodCall           = "eth_call"
	MethodGetBlockByNum  = "eth_getBlockByNumber"
	MethodBlockNumber    = "eth_blockNumber"
)

// Limitations declares what one endpoint tolerates. Methods maps a JSON-RPC
// method to the maximum number of calls allowed in one batch; a nil entry
// disables batching for that method entirely. MinDelayBetweenCalls of zero
// means no rate limit.
type Limitations struct {
	Methods              map[string]*int
	MinDelayBetweenCalls time.Duration
	IsArchiveNode        bool
}

// MethodLimit returns the batch limit for method: (limit, batchable).
func (l Limitations) MethodLimit(method string) (int, bool) {
	limit, ok := l.Methods[method]
	if !ok || limit == nil {
		return 0, false
	}
	return *limit, true
}

func intPtr(v int) *int { return &v }

// DefaultLimitations infers an endpoint's limitations from its URL and
// chain. Values come from operating against the public providers; unknown
// providers get conservative defaults.
func DefaultLimitations(c chain.Chain, rawURL string) Limitations {
	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = strings.ToLower(u.Host)
	}

	limits := Limitations{
		Methods: map[string]*int{
			MethodGetLogs:       intPtr(10),
			MethodCall:          intPtr(100),
			MethodGetBlockByNum: intPtr(100),
			MethodBlockNumber:   intPtr(1),
		},
		MinDelayBetweenCalls: 100 * time.Millisecond,
		IsArchiveNode:        false,
	}

	switch {
	case strings.Contains(host, "ankr.com"):
		// Ankr free tier throttles aggressively and rejects getLogs batches.
		limits.Methods[MethodGetLogs] = nil
		limits.MinDelayBetweenCalls = time.Second
	case strings.Contains(host, "llamarpc.com"):
		limits.IsArchiveNode = true
		limits.MinDelayBetweenCalls = 200 * time.Millisecond
	case strings.Contains(host, "alchemy.com"), strings.Contains(host, "alchemyapi.io"):
		limits.IsArchiveNode = true
		limits.MinDelayBetweenCalls = 0
		limits.Methods[MethodCall] = intPtr(500)
		limits.Methods[MethodGetBlockByNum] = intPtr(500)
	case strings.Contains(host, "infura.io"):
		limits.IsArchiveNode = true
		limits.MinDelayBetweenCalls = 0
	case strings.Contains(host, "quiknode.pro"), strings.Contains(host, "quicknode.com"):
		limits.IsArchiveNode = true
		limits.MinDelayBetweenCalls = 50 * time.Millisecond
	case strings.Contains(host, "localhost"), strings.Contains(host, "127.0.0.1"):
		limits.IsArchiveNode = true
		limits.MinDelayBetweenCalls = 0
		limits.Methods[MethodCall] = intPtr(500)
	}

	// Harmony historical getLogs windows fail in batches no matter the
	// provider; force linear mode there.
	if c == chain.Harmony {
		limits.Methods[MethodGetLogs] = nil
	}

	return limits
}

// RedactURL strips credentials and API-key path segments so endpoint URLs
// are safe to log.
func RedactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid-url>"
	}
	u.User = nil
	if u.Path != "" && u.Path != "/" {
		u.Path = "/<redacted>"
	}
	u.RawQuery = ""
	return u.String()
}
