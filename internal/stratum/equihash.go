package stratum

import (
	"github.com/chimera-pool/stratum-proxy/internal/version"
)

// Job version prefixes accepted on Equihash notify params. Zcash and most
// derivatives use 04000000; Bitcoin Gold and Zencash use 00000020.
var equihashJobVersions = map[string]struct{}{
	"04000000": {},
	"00000020": {},
}

// EquihashPoolStrategy speaks the Equihash (Zcash-family) pool dialect:
// mining.set_target instead of mining.set_difficulty, and no
// extra_nonce2_size in the subscription response.
type EquihashPoolStrategy struct{}

func (EquihashPoolStrategy) SubscriptionRequestParams(p *PoolClient) []any {
	cfg := p.ActiveConfig()
	return []any{
		version.AppVersion,
		p.NotifySubscriptionID(),
		cfg.Host,
		cfg.Port,
	}
}

// ValidateJobParams accepts 8-element notify params (some pools append a
// ninth bool) and requires a known version word.
func (EquihashPoolStrategy) ValidateJobParams(params []any) (string, bool, error) {
	if len(params) != 8 && len(params) != 9 {
		return "", false, ErrInvalidParams
	}
	// job_id, version, prevhash, merkleroot, reserved, time, bits, clean_jobs
	jobID, ok := params[0].(string)
	if !ok {
		return "", false, ErrInvalidParams
	}
	jobVersion, ok := params[1].(string)
	if !ok {
		return "", false, ErrInvalidParams
	}
	if _, known := equihashJobVersions[jobVersion]; !known {
		return "", false, ErrInvalidParams
	}
	cleanJobs, _ := params[7].(bool)
	return jobID, cleanJobs, nil
}

// EquihashWorkerStrategy validates worker share submissions and pushes the
// initial target and job after subscribe.
type EquihashWorkerStrategy struct{}

// PostSubscribe sends the current target and job as notifications. Both are
// conditional so the first worker to connect is not sent unset sentinels
// before the pool has pushed initial values.
func (EquihashWorkerStrategy) PostSubscribe(w *WorkerServer, c *WorkerConn) {
	if target := w.pool.TargetDifficulty(); target != nil {
		c.rpc.Notify("mining.set_target", []any{target})
	}
	if job := w.pool.CurrentJob(); job != nil {
		c.rpc.Notify("mining.notify", job)
	}
}

// ValidateShareParams checks the 5-element Equihash submit, prepends the
// worker's nonce tail to nonce2, and rejects stale and duplicate shares.
func (EquihashWorkerStrategy) ValidateShareParams(w *WorkerServer, c *WorkerConn, params []any) ([]any, error) {
	if len(params) != 5 {
		return nil, ErrInvalidParams
	}
	// account_name, job_id, time, nonce2, equihash_solution
	jobID, ok := params[1].(string)
	if !ok {
		return nil, ErrInvalidParams
	}
	nonce2, ok := params[3].(string)
	if !ok {
		return nil, ErrInvalidParams
	}

	// Keep the nonce spaces distinct between workers.
	nonce2 = c.tail + nonce2
	params[3] = nonce2

	if !w.pool.HasJob(jobID) {
		return nil, ErrJobNotFound
	}
	if w.recentShares.Observe(jobID, nonce2) {
		return nil, ErrDuplicateShare
	}
	return params, nil
}
