package storage

import "testing"

func TestMemoryStorage(t *testing.T) {
	testStorage(t, func(t *testing.T) Storage {
		return NewMemoryStorage()
	})
}
