package stratum

import (
	"golang.org/x/crypto/bcrypt"
)

// WorkerAuth is an optional proxy-local credential check applied before any
// pool authorization. Credentials are bcrypt hashes keyed by the miner's
// account name, so a proxy exposed beyond localhost can refuse foreign
// miners without involving the pool.
type WorkerAuth struct {
	hashes map[string]string
}

// NewWorkerAuth builds the checker, or returns nil when no credentials are
// configured (pass-through mode).
func NewWorkerAuth(hashes map[string]string) *WorkerAuth {
	if len(hashes) == 0 {
		return nil
	}
	copied := make(map[string]string, len(hashes))
	for name, hash := range hashes {
		copied[name] = hash
	}
	return &WorkerAuth{hashes: copied}
}

// Verify reports whether the name/password pair matches a configured
// credential. Unknown names are refused.
func (a *WorkerAuth) Verify(name, password string) bool {
	hash, ok := a.hashes[name]
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
