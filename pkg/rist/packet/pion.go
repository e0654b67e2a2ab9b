package packet

import (
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// ToPion converts the header for use with pion RTP writers. CSRCCount is not
// carried over since the fixed header has no CSRC list.
func (h Header) ToPion() rtp.Header {
	return rtp.Header{
		Version:        h.Version,
		Padding:        h.Padding,
		Extension:      h.Extension,
		Marker:         h.Marker,
		PayloadType:    h.PayloadType,
		SequenceNumber: h.SequenceNumber,
		Timestamp:      h.Timestamp,
		SSRC:           h.SSRC,
	}
}

// HeaderFromPion converts the fixed fields of a pion RTP header.
func HeaderFromPion(h *rtp.Header) Header {
	return Header{
		Version:        h.Version,
		Padding:        h.Padding,
		Extension:      h.Extension,
		CSRCCount:      uint8(len(h.CSRC)),
		Marker:         h.Marker,
		PayloadType:    h.PayloadType,
		SequenceNumber: h.SequenceNumber,
		Timestamp:      h.Timestamp,
		SSRC:           h.SSRC,
	}
}

// ToPion converts the NACK into pion's TransportLayerNack.
func (n *GenericNack) ToPion() *rtcp.TransportLayerNack {
	out := &rtcp.TransportLayerNack{
		SenderSSRC: n.SenderSSRC,
		MediaSSRC:  n.MediaSSRC,
		Nacks:      make([]rtcp.NackPair, len(n.Nacks)),
	}
	for i, p := range n.Nacks {
		out.Nacks[i] = rtcp.NackPair{
			PacketID:    p.PacketID,
			LostPackets: rtcp.PacketBitmap(p.LostPackets),
		}
	}
	return out
}

// GenericNackFromPion converts a pion TransportLayerNack.
func GenericNackFromPion(p *rtcp.TransportLayerNack) *GenericNack {
	out := &GenericNack{
		SenderSSRC: p.SenderSSRC,
		MediaSSRC:  p.MediaSSRC,
		Nacks:      make([]NackPair, len(p.Nacks)),
	}
	for i, pair := range p.Nacks {
		out.Nacks[i] = NackPair{
			PacketID:    pair.PacketID,
			LostPackets: uint16(pair.LostPackets),
		}
	}
	return out
}

// ToRawPacket wraps an encoded packet so it can travel through pion RTCP
// writers, which have no native type for the RIST APP packets.
func ToRawPacket(p RTCPPacket) (*rtcp.RawPacket, error) {
	buf, err := p.Marshal()
	if err != nil {
		return nil, err
	}
	raw := rtcp.RawPacket(buf)
	return &raw, nil
}
