package transport

import "sync"

// BufPool hands out byte slices from a few size classes, a slice is taken
// from the smallest class that fits.
type BufPool struct {
	pools []sync.Pool
	sizes []int
}

func NewBufPool(sizes ...int) *BufPool {
	bp := &BufPool{pools: make([]sync.Pool, len(sizes)), sizes: sizes}
	for i, sz := range sizes {
		bp.pools[i].New = func() any {
			b := make([]byte, sz)
			return &b
		}
	}
	return bp
}

// Get returns a slice of length sz. Slices larger than every class are
// allocated and not pooled.
func (bp *BufPool) Get(sz int) *[]byte {
	for i, limit := range bp.sizes {
		if sz <= limit {
			b := bp.pools[i].Get().(*[]byte)
			*b = (*b)[:sz]
			return b
		}
	}
	b := make([]byte, sz)
	return &b
}

func (bp *BufPool) Put(b *[]byte) {
	c := cap(*b)
	for i, limit := range bp.sizes {
		if c == limit {
			*b = (*b)[:c]
			bp.pools[i].Put(b)
			return
		}
	}
}
