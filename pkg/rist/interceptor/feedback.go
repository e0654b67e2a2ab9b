package interceptor

import (
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/webrtc/v4"
)

// SupportsNack reports whether the stream negotiated generic NACK feedback.
// Streams without it are passed through uncached.
func SupportsNack(info *interceptor.StreamInfo) bool {
	for _, fb := range info.RTCPFeedback {
		if fb.Type == "nack" && fb.Parameter == "" {
			return true
		}
	}
	return false
}

// ConfigureRIST negotiates NACK feedback for video and installs the RIST
// responder for outgoing streams, pion's NACK generator for incoming ones
// and RTCP sender/receiver reports. It replaces webrtc.ConfigureNack.
func ConfigureRIST(m *webrtc.MediaEngine, registry *interceptor.Registry, opts ...FactoryOption) error {
	m.RegisterFeedback(webrtc.RTCPFeedback{Type: "nack"}, webrtc.RTPCodecTypeVideo)

	responder, err := NewRISTInterceptorFactory(opts...)
	if err != nil {
		return err
	}
	registry.Add(responder)

	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return err
	}
	registry.Add(generator)

	return webrtc.ConfigureRTCPReports(registry)
}
