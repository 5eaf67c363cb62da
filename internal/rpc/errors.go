package rpc

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass buckets RPC failures by how the gate should react.
type ErrorClass int

const (
	// ClassFatal errors surface to the caller immediately.
	ClassFatal ErrorClass = iota
	// ClassRateLimited errors retry after exponential backoff.
	ClassRateLimited
	// ClassNetworkChanged errors retry after a short fixed delay.
	ClassNetworkChanged
	// ClassArchiveNodeNeeded errors propagate verbatim: the range needs an
	// archive node and retrying against this endpoint cannot help.
	ClassArchiveNodeNeeded
)

func (c ErrorClass) String() string {
	switch c {
	case ClassRateLimited:
		return "rate-limited"
	case ClassNetworkChanged:
		return "network-changed"
	case ClassArchiveNodeNeeded:
		return "archive-node-needed"
	default:
		return "fatal"
	}
}

// ArchiveNodeNeededError wraps an RPC error indicating the queried state has
// been pruned. It is returned verbatim so callers can move the range to the
// retry set.
type ArchiveNodeNeededError struct {
	Cause error
}

func (e *ArchiveNodeNeededError) Error() string {
	return fmt.Sprintf("archive node needed: %v", e.Cause)
}

func (e *ArchiveNodeNeededError) Unwrap() error { return e.Cause }

// IsArchiveNodeNeeded reports whether err is (or wraps) an archive-node
// classification.
func IsArchiveNodeNeeded(err error) bool {
	var a *ArchiveNodeNeededError
	return errors.As(err, &a)
}

// ProgrammerError marks a bug in the pipeline wiring, e.g. a batch result
// map missing an entry for a submitted query. Never retried.
type ProgrammerError struct {
	Msg string
}

func (e *ProgrammerError) Error() string { return "programmer error: " + e.Msg }

var archiveNodeMarkers = []string{
	"missing trie node",
	"required historical state unavailable",
	"pruning=archive",
	"state is not available",
	"old data not available due to pruning",
	"header not found",
	"height must be less than or equal to the current blockchain height",
}

var networkChangedMarkers = []string{
	"underlying network changed",
	"network changed",
	"chain id mismatch",
}

var rateLimitMarkers = []string{
	"429",
	"too many requests",
	"rate limit",
	"rate-limited",
	"exceeded the quota",
	"capacity exceeded",
	"daily request count exceeded",
	"request rate exceeded",
	"timeout",
	"deadline exceeded",
	"connection reset",
	"eof",
	"bad gateway",
	"service unavailable",
	"we can't execute this request",
}

func matchesAny(msg string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

func isArchiveNodeError(err error) bool {
	if err == nil {
		return false
	}
	return matchesAny(strings.ToLower(err.Error()), archiveNodeMarkers)
}

func isNetworkChangedError(err error) bool {
	if err == nil {
		return false
	}
	return matchesAny(strings.ToLower(err.Error()), networkChangedMarkers)
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return matchesAny(strings.ToLower(err.Error()), rateLimitMarkers)
}

// Classify buckets err. A quirk adapter may pre-classify chain-specific
// errors before this generic pass runs (see Endpoint.classify).
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassFatal
	case IsArchiveNodeNeeded(err) || isArchiveNodeError(err):
		return ClassArchiveNodeNeeded
	case isNetworkChangedError(err):
		return ClassNetworkChanged
	case isRateLimitError(err):
		return ClassRateLimited
	default:
		return ClassFatal
	}
}
