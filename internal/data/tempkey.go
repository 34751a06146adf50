package data

import (
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/roach88/entsync/internal/payload"
)

// TempKeys issues temporary keys for entities added locally.
//
// Keys are strictly increasing per context, so two entities added in the
// same context never share one, and they match payload.IsTempKey so the
// remote create path can tell them from server keys.
//
// Thread-safety: safe for concurrent use (atomic operations).
type TempKeys struct {
	seq atomic.Int64
}

// NewTempKeys creates a generator starting at 0.
func NewTempKeys() *TempKeys {
	return &TempKeys{}
}

// NewTempKeysAt creates a generator whose next key is start+1.
func NewTempKeysAt(start int64) *TempKeys {
	k := &TempKeys{}
	k.seq.Store(start)
	return k
}

// Next returns the next temporary key.
func (k *TempKeys) Next() string {
	return payload.TempKey(k.seq.Add(1))
}

// Current returns the last issued counter value.
func (k *TempKeys) Current() int64 {
	return k.seq.Load()
}

// Observe advances the counter past key when key is a temporary key,
// so entities restored from a store never collide with new ones.
func (k *TempKeys) Observe(key any) {
	if !payload.IsTempKey(key) {
		return
	}
	n, err := strconv.ParseInt(strings.TrimPrefix(key.(string), payload.TempKeyPrefix), 10, 64)
	if err != nil {
		return
	}
	for {
		cur := k.seq.Load()
		if n <= cur || k.seq.CompareAndSwap(cur, n) {
			return
		}
	}
}
