package stratum

import (
	"errors"

	"github.com/chimera-pool/stratum-proxy/internal/jsonrpc"
)

// Stratum mining error codes as they appear on the wire.
const (
	CodeOtherUnknown       = 20
	CodeJobNotFound        = 21
	CodeDuplicateShare     = 22
	CodeLowDifficultyShare = 23
	CodeUnauthorizedWorker = 24
	CodeNotSubscribed      = 25
)

// Wire errors returned to workers as JSON-RPC error responses.
var (
	ErrJobNotFound        = jsonrpc.NewError(CodeJobNotFound, "Job not found (=stale)")
	ErrDuplicateShare     = jsonrpc.NewError(CodeDuplicateShare, "Duplicate share")
	ErrLowDifficulty      = jsonrpc.NewError(CodeLowDifficultyShare, "Low difficulty share")
	ErrUnauthorizedWorker = jsonrpc.NewError(CodeUnauthorizedWorker, "Unauthorized worker")
	ErrNotSubscribed      = jsonrpc.NewError(CodeNotSubscribed, "Not subscribed")
	ErrInvalidParams      = jsonrpc.NewError(jsonrpc.CodeInvalidParams, "Invalid params")
)

// ErrMaxClientsConnected reports that every nonce tail is in use; the
// offending worker connection is closed.
var ErrMaxClientsConnected = errors.New("maximum number of workers reached")

// ErrUnknownStrategy reports a worker_class/pool_class name that is not in
// the registry.
var ErrUnknownStrategy = errors.New("unknown protocol strategy")

// ErrConnNotEstablished reports an upstream call attempted while the pool
// transport is down.
var ErrConnNotEstablished = errors.New("pool connection not established")
