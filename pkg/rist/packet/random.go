package packet

import (
	"math/rand/v2"

	"github.com/pion/randutil"
)

// RandomSource supplies the initial sequence number and SSRC of a new RTP
// header. Injecting it keeps header construction deterministic under test.
type RandomSource interface {
	Uint32() uint32
}

// NewSeededSource returns a deterministic RandomSource. Two sources created
// with the same seed produce the same sequence.
func NewSeededSource(seed uint64) RandomSource {
	return rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15))
}

// NewEntropySource returns a RandomSource seeded from the runtime's entropy,
// suitable for production sessions.
func NewEntropySource() RandomSource {
	return randutil.NewMathRandomGenerator()
}
