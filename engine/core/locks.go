package core

import "sync"

type LockGroup string

const (
	DescriptorManagement       LockGroup = "descriptor_management"
	CommandAllocatorManagement LockGroup = "command_allocator_management"
	ResourceManagement         LockGroup = "resource_management"
	SynchronizationManagement  LockGroup = "synchronization_management"
)

// LockPool hands out one mutex per lock group and one per queue, created on
// first use. Shared GPU-side bookkeeping (descriptor heaps, allocator pools,
// queue submission) serializes through it.
type LockPool struct {
	locks map[LockGroup]*sync.Mutex
	mu    sync.Mutex // Protects access to the locks map

	queueMutexes map[int]*sync.Mutex
}

func NewLockPool() *LockPool {
	return &LockPool{
		locks:        make(map[LockGroup]*sync.Mutex),
		queueMutexes: make(map[int]*sync.Mutex),
	}
}

func (lp *LockPool) lock(group LockGroup) *sync.Mutex {
	lp.mu.Lock()
	l, exists := lp.locks[group]
	if !exists {
		l = &sync.Mutex{}
		lp.locks[group] = l
	}
	lp.mu.Unlock()

	l.Lock()
	return l
}

// SafeCall runs fn while holding the group's mutex.
func (lp *LockPool) SafeCall(group LockGroup, fn func() error) error {
	l := lp.lock(group)
	defer l.Unlock()

	return fn()
}

// SafeQueueCall runs fn while holding the mutex of the given queue.
func (lp *LockPool) SafeQueueCall(queue int, fn func() error) error {
	lp.mu.Lock()
	l, exists := lp.queueMutexes[queue]
	if !exists {
		l = &sync.Mutex{}
		lp.queueMutexes[queue] = l
	}
	lp.mu.Unlock()

	l.Lock()
	defer l.Unlock()

	return fn()
}
