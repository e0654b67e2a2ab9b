// Soak test runner for the RIST sender and receiver.
//
// The runner drives a Sender and a Receiver in-process over simulated links
// with random loss, on simulated time, and watches for unrecovered loss,
// sequence wrap problems and memory growth. An hour of simulated streaming
// takes seconds.
//
// Usage:
//
//	go run ./cmd/soak -duration 24h -loss 0.02
//	go run ./cmd/soak -duration 1h -pps 5000 -delay 40ms
//
// Exposes pprof endpoint at :6060 for live profiling:
//
//	curl http://localhost:6060/debug/pprof/heap > heap.pprof
//	go tool pprof heap.pprof
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Enable pprof endpoints
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/thesyncim/rist/pkg/rist"
	"github.com/thesyncim/rist/pkg/rist/packet"
	"github.com/thesyncim/rist/pkg/rist/testutil"
)

const (
	payloadSize    = 7 * 188
	step           = time.Millisecond
	statusInterval = 10 * time.Minute
	heapLimitMB    = 100
)

// SoakOptions configures a run.
type SoakOptions struct {
	Duration time.Duration
	PPS      int
	Loss     float64
	Delay    time.Duration
	Seed     uint64
}

// SoakResult contains the results of a soak test run.
type SoakResult struct {
	Duration      time.Duration
	TotalPackets  uint64
	Delivered     uint64
	Detected      uint64
	Recovered     uint64
	Abandoned     uint64
	Retransmitted uint64
	RTT           time.Duration
	PeakHeapMB    float64
	TotalGCCycles uint32
	Wraparounds   int
	Errors        int
	Status        string
}

func main() {
	duration := flag.Duration("duration", time.Hour, "Simulated duration (e.g., 1h, 24h)")
	pps := flag.Int("pps", 1000, "Media packets per second")
	loss := flag.Float64("loss", 0.01, "Random loss rate on every link, 0 to 1")
	delay := flag.Duration("delay", 20*time.Millisecond, "One-way link delay")
	seed := flag.Uint64("seed", 1, "Seed for loss and session randomness")
	pprofPort := flag.Int("pprof-port", 6060, "Port for pprof HTTP server")
	flag.Parse()

	fmt.Printf("RIST Soak Test Runner\n")
	fmt.Printf("=====================\n")
	fmt.Printf("Duration: %v simulated\n", *duration)
	fmt.Printf("Traffic:  %d pps, %.1f%% loss, %v one-way\n", *pps, *loss*100, *delay)
	fmt.Printf("Pprof:    http://localhost:%d/debug/pprof/\n", *pprofPort)
	fmt.Printf("\n")

	go func() {
		addr := fmt.Sprintf(":%d", *pprofPort)
		if err := http.ListenAndServe(addr, nil); err != nil {
			fmt.Printf("Warning: pprof server failed: %v\n", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	result, err := runSoakTest(ctx, SoakOptions{
		Duration: *duration,
		PPS:      *pps,
		Loss:     *loss,
		Delay:    *delay,
		Seed:     *seed,
	})
	if err != nil {
		fmt.Printf("setup failed: %v\n", err)
		os.Exit(2)
	}

	printSummary(result)

	if result.Status == "PASS" {
		os.Exit(0)
	}
	os.Exit(1)
}

func runSoakTest(ctx context.Context, opts SoakOptions) (SoakResult, error) {
	result := SoakResult{Status: "PASS"}

	senderConf := rist.DefaultSenderConfig()
	senderConf.Cache.Capacity = max(1024, opts.PPS)
	sender, err := rist.NewSender(senderConf, packet.NewSeededSource(opts.Seed))
	if err != nil {
		return result, err
	}
	receiverConf := rist.DefaultReceiverConfig()
	receiverConf.Loss.MaxMissing = senderConf.Cache.Capacity
	receiver, err := rist.NewReceiver(receiverConf, packet.NewSeededSource(opts.Seed+1))
	if err != nil {
		return result, err
	}

	// Simulated time, well after the Unix epoch.
	start := time.Unix(1_000_000_000, 0)
	now := start
	media := testutil.NewLink(opts.Delay, testutil.NewRandomLoss(opts.Loss, opts.Seed))
	toReceiver := testutil.NewLink(opts.Delay, testutil.NewRandomLoss(opts.Loss, opts.Seed+2))
	toSender := testutil.NewLink(opts.Delay, testutil.NewRandomLoss(opts.Loss, opts.Seed+3))

	interval := time.Second / time.Duration(opts.PPS)
	nextSend := start
	lastStatus := start
	var memStats runtime.MemStats
	payload := make([]byte, payloadSize)

	fmt.Printf("[%s] Starting soak test...\n", formatDuration(0))

	for ; ; now = now.Add(step) {
		elapsed := now.Sub(start)
		if elapsed >= opts.Duration || ctx.Err() != nil {
			break
		}

		for !nextSend.After(now) {
			if sender.NextSequenceNumber() == 0 {
				result.Wraparounds++
			}
			tx, err := sender.Push(payload, now, false)
			if err != nil {
				fmt.Printf("[%s] ERROR: push: %v\n", formatDuration(elapsed), err)
				result.Errors++
				break
			}
			media.Send(tx.Data, now)
			nextSend = nextSend.Add(interval)
		}
		control, err := sender.PollRTCP(now)
		if err != nil {
			result.Errors++
		}
		for _, tx := range control {
			toReceiver.Send(tx.Data, now)
		}

		for _, data := range media.Deliver(now) {
			pkt, err := receiver.HandleRTP(data, now)
			if err != nil {
				result.Errors++
				continue
			}
			if pkt != nil {
				result.Delivered++
			}
		}
		for _, data := range toReceiver.Deliver(now) {
			out, err := receiver.HandleInboundRTCP(data, now)
			if err != nil {
				result.Errors++
			}
			for _, resp := range out {
				toSender.Send(resp, now)
			}
		}
		fb, err := receiver.PollFeedback(now)
		if err != nil {
			result.Errors++
		}
		if fb != nil {
			toSender.Send(fb, now)
		}
		for _, data := range toSender.Deliver(now) {
			out, err := sender.HandleInboundRTCP(data, now)
			if err != nil {
				result.Errors++
			}
			for _, tx := range out {
				if tx.Kind == rist.TransmitControl {
					toReceiver.Send(tx.Data, now)
				} else {
					media.Send(tx.Data, now)
				}
			}
		}

		if now.Sub(lastStatus) >= statusInterval {
			lastStatus = now
			runtime.ReadMemStats(&memStats)
			heapMB := float64(memStats.HeapAlloc) / (1024 * 1024)
			result.PeakHeapMB = max(result.PeakHeapMB, heapMB)
			result.TotalGCCycles = memStats.NumGC

			rs := receiver.Stats()
			fmt.Printf("[%s] Delivered: %d, Missing: %d, Abandoned: %d, RTT: %v, HeapAlloc: %.2f MB\n",
				formatDuration(elapsed), result.Delivered, rs.Missing, rs.Loss.Abandoned,
				rs.RTT.Smoothed, heapMB)
			if heapMB > heapLimitMB {
				fmt.Printf("[%s] ERROR: Memory limit exceeded: %.2f MB\n", formatDuration(elapsed), heapMB)
				result.Status = "FAIL"
			}
		}
	}

	ss := sender.Stats()
	rs := receiver.Stats()
	result.Duration = now.Sub(start)
	result.TotalPackets = ss.PacketsSent
	result.Retransmitted = ss.Retransmitted
	result.Detected = rs.Loss.Detected
	result.Recovered = rs.Loss.Recovered
	result.Abandoned = rs.Loss.Abandoned
	result.RTT = rs.RTT.Smoothed

	if result.Errors > 0 {
		result.Status = "FAIL"
	}
	// Random loss can take every copy of a packet.
	if result.Detected > 0 && float64(result.Abandoned)/float64(result.Detected) > 0.001 {
		result.Status = "FAIL"
	}
	return result, nil
}

func printSummary(result SoakResult) {
	fmt.Printf("\n")
	fmt.Printf("Soak Test Complete\n")
	fmt.Printf("==================\n")
	fmt.Printf("Duration:          %v simulated\n", result.Duration.Round(time.Second))
	fmt.Printf("Total packets:     %d\n", result.TotalPackets)
	fmt.Printf("Delivered:         %d\n", result.Delivered)
	fmt.Printf("Losses detected:   %d\n", result.Detected)
	fmt.Printf("Recovered:         %d\n", result.Recovered)
	fmt.Printf("Abandoned:         %d\n", result.Abandoned)
	fmt.Printf("Retransmitted:     %d\n", result.Retransmitted)
	fmt.Printf("Smoothed RTT:      %v\n", result.RTT)
	fmt.Printf("Peak HeapAlloc:    %.2f MB\n", result.PeakHeapMB)
	fmt.Printf("Total GC cycles:   %d\n", result.TotalGCCycles)
	fmt.Printf("Sequence wraps:    %d\n", result.Wraparounds)
	fmt.Printf("Errors:            %d\n", result.Errors)
	fmt.Printf("Status:            %s\n", result.Status)
	fmt.Printf("\n")

	fmt.Printf("Pass Criteria:\n")
	fmt.Printf("  - No errors:              %s\n", checkMark(result.Errors == 0))
	fmt.Printf("  - Abandoned < 0.1%%:       %s\n", checkMark(result.Detected == 0 || float64(result.Abandoned)/float64(result.Detected) <= 0.001))
	fmt.Printf("  - Peak memory < %d MB:   %s\n", heapLimitMB, checkMark(result.PeakHeapMB < heapLimitMB))
}

func formatDuration(d time.Duration) string {
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func checkMark(pass bool) string {
	if pass {
		return "PASS"
	}
	return "FAIL"
}
