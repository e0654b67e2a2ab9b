// Package rist implements the sender and receiver reliability engine of the
// RIST Simple Profile over RTP/RTCP.
//
// The package works on byte buffers and caller supplied wall-clock instants:
// it never opens sockets or reads the system clock on its own. A Sender
// stamps and sequences outgoing media, keeps a bounded retransmission cache,
// answers Generic and Range NACKs and measures round-trip time with RTT echo
// requests. A Receiver detects sequence gaps, requests retransmissions and
// produces the RR/SDES feedback a RIST sender expects.
//
// Usage:
//
//	sender, err := rist.NewSender(rist.DefaultSenderConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	tx, err := sender.Push(payload, time.Now(), false)
//	// write tx.Data to the RTP port
//
//	// for every datagram read from the RTCP port:
//	out, err := sender.HandleInboundRTCP(buf, time.Now())
//	// write each out[i].Data to its destination
//
// Wire encoding lives in the packet subpackage.
package rist
