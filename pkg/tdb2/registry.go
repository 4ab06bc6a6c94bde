package tdb2

import (
	"fmt"
	"sync"
)

// fileIdentity is the (device, inode) pair identifying a file regardless
// of the path used to open it.
type fileIdentity struct {
	dev uint64
	ino uint64
}

// openRegistry prevents two handles in the same process from
// independently opening the same underlying file, per spec.md §5 ("the
// only global within a process is a linked list of open handles used to
// prevent two handles in the same process from independently opening the
// same (device, inode)").
type openRegistry struct {
	mu   sync.Mutex
	open map[fileIdentity]bool
}

var registry = &openRegistry{open: make(map[fileIdentity]bool)}

func (r *openRegistry) register(id fileIdentity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.open[id] {
		return fmt.Errorf("%w: file is already open in this process (dev=%d ino=%d)", ErrInvalid, id.dev, id.ino)
	}
	r.open[id] = true
	return nil
}

func (r *openRegistry) unregister(id fileIdentity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.open, id)
}
