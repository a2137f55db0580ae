// Package features provides the Config struct, which is used to define
// feature flags that can affect behavior across broker components.
package features

import (
	"sync"
)

// Config contains one boolean field for every feature flag. It can be
// included directly in a component's config struct to gate the deployment
// of new behavior.
type Config struct {
	// AsyncFinalize enables the RA to return the order in processing status
	// immediately after a finalize request, with issuance happening in a
	// background goroutine.
	AsyncFinalize bool
}

var fMu = new(sync.RWMutex)
var global = Config{}

// Set changes the global FeatureSet to match the input FeatureSet. This
// overrides any previous changes made to the global FeatureSet.
func Set(fs Config) {
	fMu.Lock()
	defer fMu.Unlock()
	global = fs
}

// Reset resets all features to their initial state (false).
func Reset() {
	fMu.Lock()
	defer fMu.Unlock()
	global = Config{}
}

// Get returns a copy of the current global FeatureSet, for use in tests and
// feature checks.
func Get() Config {
	fMu.RLock()
	defer fMu.RUnlock()
	return global
}
