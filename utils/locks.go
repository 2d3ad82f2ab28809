package utils

import "sync"

var roundLocks = struct {
	mu sync.Mutex
	m  map[int64]*sync.Mutex
}{m: make(map[int64]*sync.Mutex)}

// GetLockForRound returns a process-local mutex for the given round id
// (creates if absent). The database row lock is what actually guards
// settlement; this keeps duplicate in-process triggers from piling up
// on the same row.
func GetLockForRound(roundID int64) *sync.Mutex {
	roundLocks.mu.Lock()
	defer roundLocks.mu.Unlock()
	if l, ok := roundLocks.m[roundID]; ok {
		return l
	}
	l := &sync.Mutex{}
	roundLocks.m[roundID] = l
	return l
}
