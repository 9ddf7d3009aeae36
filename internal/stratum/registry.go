package stratum

import (
	"fmt"
	"sort"
)

// The strategy registries map the worker_class/pool_class config values to
// constructors for the coin variants compiled in.
var (
	workerStrategies = map[string]func() WorkerStrategy{
		"stratum":  func() WorkerStrategy { return BaseWorkerStrategy{} },
		"equihash": func() WorkerStrategy { return EquihashWorkerStrategy{} },
	}
	poolStrategies = map[string]func() PoolStrategy{
		"stratum":  func() PoolStrategy { return BasePoolStrategy{} },
		"equihash": func() PoolStrategy { return EquihashPoolStrategy{} },
	}
)

// NewWorkerStrategy resolves a worker_class name.
func NewWorkerStrategy(name string) (WorkerStrategy, error) {
	ctor, ok := workerStrategies[name]
	if !ok {
		return nil, fmt.Errorf("%w: worker_class %q (known: %v)", ErrUnknownStrategy, name, knownStrategyNames())
	}
	return ctor(), nil
}

// NewPoolStrategy resolves a pool_class name.
func NewPoolStrategy(name string) (PoolStrategy, error) {
	ctor, ok := poolStrategies[name]
	if !ok {
		return nil, fmt.Errorf("%w: pool_class %q (known: %v)", ErrUnknownStrategy, name, knownStrategyNames())
	}
	return ctor(), nil
}

func knownStrategyNames() []string {
	names := make([]string, 0, len(workerStrategies))
	for name := range workerStrategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
