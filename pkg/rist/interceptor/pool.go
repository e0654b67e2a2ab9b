package interceptor

import (
	"sync"
)

// maxPacketSize bounds the marshal buffers kept in the pool. Larger packets
// get a one-off allocation.
const maxPacketSize = 1500

// packetBufferPool holds scratch buffers for marshaling outgoing packets
// before they are copied into the retransmission cache.
var packetBufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, maxPacketSize)
		return &b
	},
}

// getPacketBuffer returns a buffer of at least size bytes.
func getPacketBuffer(size int) *[]byte {
	b := packetBufferPool.Get().(*[]byte)
	if cap(*b) < size {
		nb := make([]byte, size)
		return &nb
	}
	*b = (*b)[:size]
	return b
}

// putPacketBuffer returns b to the pool unless it outgrew maxPacketSize.
func putPacketBuffer(b *[]byte) {
	if cap(*b) > maxPacketSize {
		return
	}
	*b = (*b)[:maxPacketSize]
	packetBufferPool.Put(b)
}
