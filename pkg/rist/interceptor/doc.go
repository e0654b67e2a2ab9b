// Package interceptor adapts the RIST sender-side reliability machinery to
// Pion's interceptor pipeline.
//
// The responder caches every outgoing RTP packet of a NACK-capable stream,
// answers Generic NACKs (RFC 4585) and RIST Range NACKs by resending the
// cached packet with the least significant SSRC bit set, answers RTT echo
// requests and measures round-trip time with its own.
//
// # Quick Start
//
//	import (
//	    "github.com/pion/interceptor"
//	    "github.com/pion/webrtc/v4"
//	    ristint "github.com/thesyncim/rist/pkg/rist/interceptor"
//	)
//
//	func newAPI() (*webrtc.API, error) {
//	    m := &webrtc.MediaEngine{}
//	    if err := m.RegisterDefaultCodecs(); err != nil {
//	        return nil, err
//	    }
//	    i := &interceptor.Registry{}
//	    if err := ristint.ConfigureRIST(m, i, ristint.WithCacheCapacity(4096)); err != nil {
//	        return nil, err
//	    }
//	    return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i)), nil
//	}
//
// Outside WebRTC the factory can be added to any interceptor.Registry; streams
// are cached only when their StreamInfo lists "nack" feedback, unless
// WithStreamsFilter says otherwise.
package interceptor
