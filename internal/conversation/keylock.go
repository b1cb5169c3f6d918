package conversation

import "sync"

// keyedMutex provides one mutex per conversation identifier so the
// read–call–commit sequence of an Ask serializes per conversation while
// unrelated conversations never contend. Entries are reference-counted and
// reclaimed when the last holder releases, so idle conversations cost
// nothing.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockRef
}

type lockRef struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*lockRef)}
}

// lock acquires the mutex for id and returns its release function.
func (k *keyedMutex) lock(id string) (unlock func()) {
	k.mu.Lock()
	ref, ok := k.locks[id]
	if !ok {
		ref = &lockRef{}
		k.locks[id] = ref
	}
	ref.refs++
	k.mu.Unlock()

	ref.mu.Lock()

	return func() {
		ref.mu.Unlock()
		k.mu.Lock()
		ref.refs--
		if ref.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}
