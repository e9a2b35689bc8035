package fork

import (
	"fmt"
	"sync"
)

// Key ячейка KeyValueStore цели. Ключи выдает KeyAllocator,
// одинаковые имена разных модулей не пересекаются.
type Key struct {
	id   int
	name string
}

func (k Key) String() string { return fmt.Sprintf("%s#%d", k.name, k.id) }

// KeyAllocator реестр ключей. Один на экземпляр прокси,
// общий для всех компонентов, аннотирующих цели.
type KeyAllocator struct {
	mu    sync.Mutex
	names []string
}

func NewKeyAllocator() *KeyAllocator {
	return &KeyAllocator{}
}

// Allocate выдает новый ключ. Повторное имя дает другой ключ.
func (a *KeyAllocator) Allocate(name string) Key {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.names = append(a.names, name)
	return Key{id: len(a.names), name: name}
}

func (a *KeyAllocator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.names)
}

// KeyValueStore аннотации цели
type KeyValueStore struct {
	values map[Key]any
}

func NewKeyValueStore() *KeyValueStore {
	return &KeyValueStore{values: make(map[Key]any)}
}

func (s *KeyValueStore) Set(k Key, v any) { s.values[k] = v }

func (s *KeyValueStore) Get(k Key) (any, bool) {
	v, ok := s.values[k]
	return v, ok
}

func (s *KeyValueStore) Has(k Key) bool {
	_, ok := s.values[k]
	return ok
}

func (s *KeyValueStore) Delete(k Key) { delete(s.values, k) }

func (s *KeyValueStore) Len() int { return len(s.values) }

// Bool значение по k или false, если его нет или оно другого типа
func (s *KeyValueStore) Bool(k Key) bool {
	v, _ := s.values[k].(bool)
	return v
}

func (s *KeyValueStore) Int(k Key) int {
	v, _ := s.values[k].(int)
	return v
}

func (s *KeyValueStore) String(k Key) string {
	v, _ := s.values[k].(string)
	return v
}

// clone поверхностная копия
func (s *KeyValueStore) clone() *KeyValueStore {
	out := NewKeyValueStore()
	for k, v := range s.values {
		out.values[k] = v
	}
	return out
}
