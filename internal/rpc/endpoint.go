package rpc

import (
	"context"
	"fmt"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"

	"beefy-importer/internal/chain"
)

// Endpoint wraps one JSON-RPC URL for one chain: a linear provider, a batch
// provider, declared limitations, a chain quirk adapter and the process-wide
// gate for the URL.
type Endpoint struct {
	chain  chain.Chain
	rawURL string
	client *gethrpc.Client
	limits Limitations
	quirks QuirkAdapter
	linear Provider
	batch  Provider
	gate   *Gate
	log    zerolog.Logger
}

// Dial connects to rawURL and assembles the endpoint with the chain's quirk
// adapter and default limitations for the provider behind the URL.
func Dial(ctx context.Context, c chain.Chain, rawURL string, log zerolog.Logger) (*Endpoint, error) {
	client, err := gethrpc.DialContext(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s rpc %s: %w", c, RedactURL(rawURL), err)
	}

	e := &Endpoint{
		chain:  c,
		rawURL: rawURL,
		client: client,
		limits: DefaultLimitations(c, rawURL),
		quirks: QuirksFor(c),
		log: log.With().
			Str("component", "rpc").
			Str("chain", string(c)).
			Str("endpoint", RedactURL(rawURL)).
			Logger(),
	}
	e.linear = &linearProvider{client: client}
	e.batch = newBatchProvider(client, e.log)
	e.gate = GateFor(rawURL, e.limits.MinDelayBetweenCalls, e.classify, log)
	return e, nil
}

// classify gives the chain quirk adapter a first shot, then falls back to
// the generic taxonomy.
func (e *Endpoint) classify(err error) ErrorClass {
	if class, ok := e.quirks.ClassifyError(err); ok {
		return class
	}
	return Classify(err)
}

func (e *Endpoint) Chain() chain.Chain       { return e.chain }
func (e *Endpoint) Limitations() Limitations { return e.limits }
func (e *Endpoint) Quirks() QuirkAdapter     { return e.quirks }
func (e *Endpoint) Linear() Provider         { return e.linear }
func (e *Endpoint) Batch() Provider          { return e.batch }
func (e *Endpoint) Gate() *Gate              { return e.gate }

// LoggableURL is the endpoint URL with secrets stripped.
func (e *Endpoint) LoggableURL() string { return RedactURL(e.rawURL) }

// Close tears down the underlying connection.
func (e *Endpoint) Close() {
	e.client.Close()
}
