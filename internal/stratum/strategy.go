package stratum

import (
	log "github.com/sirupsen/logrus"
)

// PoolStrategy supplies the coin-specific pieces of the pool-side protocol.
type PoolStrategy interface {
	// SubscriptionRequestParams builds the params for mining.subscribe.
	SubscriptionRequestParams(p *PoolClient) []any

	// ValidateJobParams checks an inbound mining.notify and extracts the
	// job id and the clean_jobs flag.
	ValidateJobParams(params []any) (jobID string, cleanJobs bool, err error)
}

// WorkerStrategy supplies the coin-specific pieces of the worker-side
// protocol.
type WorkerStrategy interface {
	// PostSubscribe pushes initial state (target, current job) to a worker
	// that has just subscribed. It runs concurrently with the subscribe
	// reply.
	PostSubscribe(w *WorkerServer, c *WorkerConn)

	// ValidateShareParams checks and rewrites an inbound mining.submit
	// before it is forwarded upstream.
	ValidateShareParams(w *WorkerServer, c *WorkerConn, params []any) ([]any, error)
}

// BasePoolStrategy is the protocol-agnostic default. Coins that need
// subscription params or strict job validation override it.
type BasePoolStrategy struct{}

func (BasePoolStrategy) SubscriptionRequestParams(p *PoolClient) []any {
	return []any{}
}

// ValidateJobParams accepts any non-empty job shape: most stratum dialects
// put the job id first and clean_jobs last. Empty params are rejected.
func (BasePoolStrategy) ValidateJobParams(params []any) (string, bool, error) {
	log.Warn("job validation not implemented for this protocol; accepting as-is")
	if len(params) == 0 {
		return "", false, ErrInvalidParams
	}
	jobID, _ := params[0].(string)
	cleanJobs, _ := params[len(params)-1].(bool)
	return jobID, cleanJobs, nil
}

// BaseWorkerStrategy passes shares through unchecked. Without a coin
// implementation, stale, duplicate, or malformed shares reach the pool.
type BaseWorkerStrategy struct{}

func (BaseWorkerStrategy) PostSubscribe(w *WorkerServer, c *WorkerConn) {
	log.Warnf("%s post-subscribe push not implemented for this protocol", w.logPrefix)
}

func (BaseWorkerStrategy) ValidateShareParams(w *WorkerServer, c *WorkerConn, params []any) ([]any, error) {
	log.Warnf("%s share validation not implemented for this protocol", w.logPrefix)
	return params, nil
}
