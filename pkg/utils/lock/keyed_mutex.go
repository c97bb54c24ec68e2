package lock

import "sync"

// KeyedMutex 为每个 key 提供独立的互斥锁, 不同 key 之间互不阻塞.
// 锁对象创建后不回收, key 的数量 = 账户 x 链, 规模有限.
type KeyedMutex struct {
	locks sync.Map // key -> *sync.Mutex
}

func (k *KeyedMutex) get(key string) *sync.Mutex {
	m, _ := k.locks.LoadOrStore(key, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// Lock 加锁并返回解锁函数
func (k *KeyedMutex) Lock(key string) func() {
	m := k.get(key)
	m.Lock()
	return m.Unlock
}

// With 在 key 的临界区内执行 fn
func (k *KeyedMutex) With(key string, fn func() error) error {
	unlock := k.Lock(key)
	defer unlock()
	return fn()
}
