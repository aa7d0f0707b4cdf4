package benchmark

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/google/gopacket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"example.com/multiserversync/base/timebase"

	"example.com/multiserversync/net/syncpkt"
)

// Round-trip delays are recorded in microseconds.
const (
	minRTT     = 1
	maxRTT     = 10_000_000
	sigFigs    = 3
	readBufLen = 2048
	rxTimeout  = time.Second
)

var errUnrelatedReply = errors.New("unrelated reply")

type Params struct {
	LocalAddr  netip.AddrPort
	RemoteAddr netip.AddrPort
	Clients    int
	Requests   int
}

// Run sends Requests probes from each of Clients concurrent sockets to a
// sync endpoint, one at a time per socket, and returns the merged histogram
// of round-trip delays in microseconds.
func Run(ctx context.Context, log *zap.Logger, lclk timebase.LocalClock, params Params) (*hdrhistogram.Histogram, error) {
	if params.Clients <= 0 || params.Requests <= 0 {
		panic("invalid benchmark parameters")
	}
	var (
		mu   sync.Mutex
		hg   = hdrhistogram.New(minRTT, maxRTT, sigFigs)
		errs []error
		wg   sync.WaitGroup
	)
	sg := make(chan struct{})
	for i := 0; i != params.Clients; i++ {
		conn, err := net.DialUDP("udp",
			net.UDPAddrFromAddrPort(params.LocalAddr), net.UDPAddrFromAddrPort(params.RemoteAddr))
		if err != nil {
			close(sg)
			wg.Wait()
			return nil, fmt.Errorf("failed to dial UDP connection: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			<-sg
			chg, err := runClient(ctx, lclk, conn, params.Requests)
			mu.Lock()
			defer mu.Unlock()
			if chg != nil {
				hg.Merge(chg)
			}
			if err != nil {
				errs = append(errs, err)
			}
		}()
	}
	t0 := time.Now()
	close(sg)
	wg.Wait()
	log.Info("benchmark finished",
		zap.Stringer("remote", params.RemoteAddr),
		zap.Int64("requests", hg.TotalCount()),
		zap.Duration("elapsed", time.Since(t0)),
	)
	return hg, errors.Join(errs...)
}

func runClient(ctx context.Context, lclk timebase.LocalClock, conn *net.UDPConn,
	requests int) (*hdrhistogram.Histogram, error) {
	hg := hdrhistogram.New(minRTT, maxRTT, sigFigs)
	instance := uuid.New()
	sbuf := gopacket.NewSerializeBuffer()
	buf := make([]byte, readBufLen)
	for j := requests; j > 0; j-- {
		if ctx.Err() != nil {
			return hg, ctx.Err()
		}
		req := syncpkt.Packet{
			Magic:      syncpkt.MagicQuery,
			Instance:   instance,
			OriginTime: lclk.Now(),
		}
		b, err := syncpkt.EncodePacket(sbuf, &req)
		if err != nil {
			return hg, err
		}
		_, err = conn.Write(b)
		if err != nil {
			return hg, fmt.Errorf("failed to write packet: %w", err)
		}

		_ = conn.SetReadDeadline(time.Now().Add(rxTimeout))
		n, err := conn.Read(buf)
		if err != nil {
			return hg, fmt.Errorf("failed to read packet: %w", err)
		}
		t3 := lclk.Now()

		var resp syncpkt.Packet
		err = syncpkt.DecodePacket(&resp, buf[:n])
		if err != nil {
			return hg, fmt.Errorf("failed to decode packet: %w", err)
		}
		err = syncpkt.ValidateReply(&resp)
		if err != nil {
			return hg, err
		}
		if !resp.OriginTime.Equal(req.OriginTime) {
			return hg, errUnrelatedReply
		}
		err = syncpkt.ValidateReplyTimestamps(req.OriginTime, resp.ReceiveTime, resp.TransmitTime, t3)
		if err != nil {
			return hg, err
		}
		delay := syncpkt.RoundTripDelay(req.OriginTime, resp.ReceiveTime, resp.TransmitTime, t3)
		err = hg.RecordValue(max(delay.Microseconds(), minRTT))
		if err != nil {
			return hg, fmt.Errorf("failed to record histogram value: %w", err)
		}
	}
	return hg, nil
}

func Print(w io.Writer, hg *hdrhistogram.Histogram) error {
	_, err := hg.PercentilesPrint(w, 1, 1.0)
	return err
}
