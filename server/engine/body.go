// response body ownership
package engine

import "golang.org/x/sys/unix"

// Body is the response payload variant: a memory-mapped file slice,
// owned bytes, or nothing. Close is total over the three cases so the
// cleanup site cannot forget the unmap.
type Body interface {
	Bytes() []byte
	Close()
}

// MappedBody wraps an mmap'd file slice; Close unmaps it.
type MappedBody struct {
	data []byte
}

// MapFile maps fd read-only for length bytes.
func MapFile(fd int, length int64) (*MappedBody, error) {
	data, err := unix.Mmap(fd, 0, int(length), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	return &MappedBody{data: data}, nil
}

func (b *MappedBody) Bytes() []byte { return b.data }

func (b *MappedBody) Close() {
	if b.data != nil {
		unix.Munmap(b.data)
		b.data = nil
	}
}

// OwnedBody is plain process memory (dynamic pages, script output).
type OwnedBody []byte

func (b OwnedBody) Bytes() []byte { return b }
func (b OwnedBody) Close()        {}
