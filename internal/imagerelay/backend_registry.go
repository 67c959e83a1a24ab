package imagerelay

import (
	"strings"
	"sync"
)

type AssetStoreFactory func(dsn string) (AssetStore, error)
type JobQueueFactory func(dsn string, opts QueueOptions) (JobQueue, error)

var backendFactoryRegistry = struct {
	mu             sync.RWMutex
	storeFactories map[string]AssetStoreFactory
	queueFactories map[string]JobQueueFactory
}{
	storeFactories: map[string]AssetStoreFactory{},
	queueFactories: map[string]JobQueueFactory{},
}

func RegisterAssetStoreFactory(scheme string, factory AssetStoreFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.storeFactories[scheme] = factory
}

func RegisterJobQueueFactory(scheme string, factory JobQueueFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.queueFactories[scheme] = factory
}

func lookupAssetStoreFactory(scheme string) (AssetStoreFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.storeFactories[scheme]
	return factory, ok
}

func lookupJobQueueFactory(scheme string) (JobQueueFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.queueFactories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
