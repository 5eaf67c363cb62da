package rpc

import (
	"encoding/json"
	"strings"

	"beefy-importer/internal/chain"
)

// QuirkAdapter captures per-chain RPC idiosyncrasies. Adapters are composed
// into the endpoint at construction time; they get a first shot at error
// classification and may repair malformed response payloads before decoding.
type QuirkAdapter interface {
	Name() string
	// ClassifyError returns (class, true) when the adapter recognizes a
	// chain-specific error, (_, false) to fall through to the generic pass.
	ClassifyError(err error) (ErrorClass, bool)
	// NormalizeBlock repairs a raw eth_getBlockByNumber payload. Returning
	// the input unchanged is the common case.
	NormalizeBlock(raw json.RawMessage) json.RawMessage
}

// QuirksFor returns the adapter for a chain.
func QuirksFor(c chain.Chain) QuirkAdapter {
	switch c {
	case chain.Celo:
		return celoQuirks{}
	case chain.Harmony:
		return harmonyQuirks{}
	case chain.Avax:
		return avaxQuirks{}
	case chain.Cronos:
		return cronosQuirks{}
	default:
		return defaultQuirks{}
	}
}

type defaultQuirks struct{}

func (defaultQuirks) Name() string                            { return "default" }
func (defaultQuirks) ClassifyError(error) (ErrorClass, bool)  { return 0, false }
func (defaultQuirks) NormalizeBlock(raw json.RawMessage) json.RawMessage { return raw }

// celoQuirks: Celo blocks omit gasLimit and difficulty, which makes strict
// decoders choke. Inject zero values when missing.
type celoQuirks struct{}

func (celoQuirks) Name() string { return "celo" }

func (celoQuirks) ClassifyError(error) (ErrorClass, bool) { return 0, false }

func (celoQuirks) NormalizeBlock(raw json.RawMessage) json.RawMessage {
	var block map[string]json.RawMessage
	if err := json.Unmarshal(raw, &block); err != nil || block == nil {
		return raw
	}
	changed := false
	for _, field := range []string{"gasLimit", "difficulty", "sha3Uncles", "nonce"} {
		if _, ok := block[field]; !ok {
			block[field] = json.RawMessage(`"0x0"`)
			changed = true
		}
	}
	if !changed {
		return raw
	}
	fixed, err := json.Marshal(block)
	if err != nil {
		return raw
	}
	return fixed
}

// harmonyQuirks: Harmony nodes intermittently answer with null results and
// "invalid format" errors that resolve on a plain retry.
type harmonyQuirks struct{}

func (harmonyQuirks) Name() string { return "harmony" }

func (harmonyQuirks) ClassifyError(err error) (ErrorClass, bool) {
	if err == nil {
		return 0, false
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "invalid format") || strings.Contains(msg, "null response") {
		return ClassNetworkChanged, true
	}
	return 0, false
}

func (harmonyQuirks) NormalizeBlock(raw json.RawMessage) json.RawMessage { return raw }

// avaxQuirks: querying close to the head races block finalization.
type avaxQuirks struct{}

func (avaxQuirks) Name() string { return "avax" }

func (avaxQuirks) ClassifyError(err error) (ErrorClass, bool) {
	if err == nil {
		return 0, false
	}
	if strings.Contains(strings.ToLower(err.Error()), "cannot query unfinalized data") {
		return ClassNetworkChanged, true
	}
	return 0, false
}

func (avaxQuirks) NormalizeBlock(raw json.RawMessage) json.RawMessage { return raw }

// cronosQuirks: the public gateway phrases throttling in a nonstandard way.
type cronosQuirks struct{}

func (cronosQuirks) Name() string { return "cronos" }

func (cronosQuirks) ClassifyError(err error) (ErrorClass, bool) {
	if err == nil {
		return 0, false
	}
	if strings.Contains(strings.ToLower(err.Error()), "we can't execute this request") {
		return ClassRateLimited, true
	}
	return 0, false
}

func (cronosQuirks) NormalizeBlock(raw json.RawMessage) json.RawMessage { return raw }
