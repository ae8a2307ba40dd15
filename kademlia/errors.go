package kademlia

import "github.com/zeebo/errs"

// Error kinds from the core's failure taxonomy. Each is its own errs.Class so
// callers can test membership with errs.Is / Class.Has without string
// matching, the same style storj.io/storj/pkg/kademlia uses for NodeErr,
// BootstrapErr and NodeNotFound.
var (
	// InvalidArgument covers malformed ids, inverted ranges, out-of-bounds
	// powers, and empty keys/values.
	InvalidArgument = errs.Class("invalid argument")

	// NotJoined is returned when an operation that requires a populated
	// routing table runs before Join has completed.
	NotJoined = errs.Class("not joined")

	// BootstrapFailed means every bootstrap contact refused or timed out.
	BootstrapFailed = errs.Class("bootstrap failed")

	// SignatureMismatch means a cryptographic check in STORE failed.
	SignatureMismatch = errs.Class("signature mismatch")

	// TransportFailed means the transport reported the peer unreachable.
	TransportFailed = errs.Class("transport failed")

	// TimedOut means an RPC deadline elapsed with no response.
	TimedOut = errs.Class("timed out")

	// Cancelled means the caller cancelled the pending operation.
	Cancelled = errs.Class("cancelled")

	// StoreQuorumFailed means an iterative STORE got fewer acks than the
	// configured minimum successful fraction.
	StoreQuorumFailed = errs.Class("store quorum failed")

	// ValueNotFound means an iterative FIND_VALUE ended with nothing.
	ValueNotFound = errs.Class("value not found")
)
