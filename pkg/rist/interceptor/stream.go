package interceptor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"

	"github.com/thesyncim/rist/pkg/rist"
	"github.com/thesyncim/rist/pkg/rist/packet"
)

// localStream is the retransmission state of one outgoing SSRC.
//
// The cache is guarded by mu: the bound RTPWriter records into it on every
// packet while the RTCP reader resolves NACKs against it.
type localStream struct {
	ssrc   uint32
	writer interceptor.RTPWriter

	mu    sync.Mutex
	cache *rist.RetransmissionCache

	lastPacketTime atomic.Value // time.Time
}

func newLocalStream(ssrc uint32, writer interceptor.RTPWriter, cache *rist.RetransmissionCache, now time.Time) *localStream {
	s := &localStream{ssrc: ssrc, writer: writer, cache: cache}
	s.lastPacketTime.Store(now)
	return s
}

func (s *localStream) record(seq uint16, data []byte, now time.Time) {
	s.mu.Lock()
	s.cache.Record(seq, data, now)
	s.mu.Unlock()
	s.lastPacketTime.Store(now)
}

// LastPacket returns when the stream last recorded a packet.
func (s *localStream) LastPacket() time.Time {
	return s.lastPacketTime.Load().(time.Time)
}

func (s *localStream) expire(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Sub(s.LastPacket()) > streamTimeout {
		n := s.cache.Len()
		s.cache.Clear()
		return n
	}
	return s.cache.Expire(now)
}

func (s *localStream) stats() rist.CacheStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Stats()
}

// streamSet resolves NACKs against the stream named by their media SSRC.
// The retransmit flag of the SSRC is ignored, so a NACK for a repair stream
// lands on the original.
type streamSet struct {
	streams *sync.Map // uint32 -> *localStream
}

func (s streamSet) lookup(ssrc uint32) (*localStream, bool) {
	v, ok := s.streams.Load(ssrc &^ rist.RetransmitSSRCFlag)
	if !ok {
		return nil, false
	}
	return v.(*localStream), true
}

// HandleGenericNack implements rist.NackHandler.
func (s streamSet) HandleGenericNack(nack *packet.GenericNack, now time.Time) []rist.RetransmitAction {
	stream, ok := s.lookup(nack.MediaSSRC)
	if !ok {
		return nil
	}
	stream.mu.Lock()
	defer stream.mu.Unlock()
	return detach(stream.cache.HandleGenericNack(nack, now))
}

// HandleRangeNack implements rist.NackHandler.
func (s streamSet) HandleRangeNack(nack *packet.RangeNack, now time.Time) []rist.RetransmitAction {
	stream, ok := s.lookup(nack.SSRC)
	if !ok {
		return nil
	}
	stream.mu.Lock()
	defer stream.mu.Unlock()
	return detach(stream.cache.HandleRangeNack(nack, now))
}

// detach copies resend payloads out of the cache, whose buffers are reused
// once the stream lock is released.
func detach(actions []rist.RetransmitAction) []rist.RetransmitAction {
	for i := range actions {
		if actions[i].Outcome == rist.OutcomeResend {
			actions[i].Data = append([]byte(nil), actions[i].Data...)
		}
	}
	return actions
}
