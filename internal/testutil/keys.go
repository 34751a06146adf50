package testutil

import (
	"strconv"
	"sync"
)

// SequentialKeys issues deterministic server keys: prefix+"1", prefix+"2", ...
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type SequentialKeys struct {
	mu     sync.Mutex
	prefix string
	n      int64
}

// NewSequentialKeys creates a generator. An empty prefix defaults to "srv-".
func NewSequentialKeys(prefix string) *SequentialKeys {
	if prefix == "" {
		prefix = "srv-"
	}
	return &SequentialKeys{prefix: prefix}
}

// Next returns the next key. The controller is ignored; keys are unique
// across controllers.
func (k *SequentialKeys) Next(controller string) string {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.n++
	return k.prefix + strconv.FormatInt(k.n, 10)
}

// Reset restarts the sequence.
func (k *SequentialKeys) Reset() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.n = 0
}
