package stats

import (
	"fmt"
	"math"
	"net/netip"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"example.com/multiserversync/base/timemath"
)

const (
	recentCap = 100

	minTrackableRTT = time.Microsecond
	maxTrackableRTT = 10 * time.Second
	sigFigs         = 3

	HighLatency = 150 * time.Millisecond
	HighJitter  = 50 * time.Millisecond
	HighLoss    = 0.05
)

type Level int

const (
	Poor Level = iota
	Fair
	Good
	Excellent
)

func (l Level) String() string {
	switch l {
	case Poor:
		return "poor"
	case Fair:
		return "fair"
	case Good:
		return "good"
	case Excellent:
		return "excellent"
	default:
		return "unknown"
	}
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(b []byte) error {
	for _, v := range []Level{Poor, Fair, Good, Excellent} {
		if v.String() == string(b) {
			*l = v
			return nil
		}
	}
	return fmt.Errorf("unknown quality level %q", b)
}

// Latency summarizes the round-trip times measured to one peer.
type Latency struct {
	Samples   int           `json:"samples"`
	Lost      int           `json:"lost"`
	Min       time.Duration `json:"min"`
	Max       time.Duration `json:"max"`
	Mean      time.Duration `json:"mean"`
	StdDev    time.Duration `json:"stddev"`
	Jitter    time.Duration `json:"jitter"`
	P50       time.Duration `json:"p50"`
	P95       time.Duration `json:"p95"`
	P99       time.Duration `json:"p99"`
	LossRatio float64       `json:"loss_ratio"`
	Quality   Quality       `json:"quality"`
}

type Quality struct {
	Score       int   `json:"score"`
	Level       Level `json:"level"`
	HighLatency bool  `json:"high_latency"`
	HighJitter  bool  `json:"high_jitter"`
	HighLoss    bool  `json:"high_loss"`
}

type peerStats struct {
	hist   *hdrhistogram.Histogram
	recent []time.Duration
	lost   int
}

func newPeerStats() *peerStats {
	return &peerStats{
		hist:   hdrhistogram.New(int64(minTrackableRTT), int64(maxTrackableRTT), sigFigs),
		recent: make([]time.Duration, 0, recentCap),
	}
}

// Tracker collects per-peer round-trip statistics.
type Tracker struct {
	mu    sync.Mutex
	peers map[netip.AddrPort]*peerStats
}

func NewTracker() *Tracker {
	return &Tracker{peers: make(map[netip.AddrPort]*peerStats)}
}

func (t *Tracker) peer(addr netip.AddrPort) *peerStats {
	p, ok := t.peers[addr]
	if !ok {
		p = newPeerStats()
		t.peers[addr] = p
	}
	return p
}

func (t *Tracker) RecordRTT(addr netip.AddrPort, rtt time.Duration) {
	v := int64(timemath.Clamp(rtt, minTrackableRTT, maxTrackableRTT))
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.peer(addr)
	_ = p.hist.RecordValue(v)
	if len(p.recent) == recentCap {
		copy(p.recent, p.recent[1:])
		p.recent = p.recent[:recentCap-1]
	}
	p.recent = append(p.recent, time.Duration(v))
}

func (t *Tracker) RecordLoss(addr netip.AddrPort) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peer(addr).lost++
}

func (t *Tracker) Forget(addr netip.AddrPort) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, addr)
}

func (t *Tracker) Latency(addr netip.AddrPort) (Latency, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[addr]
	if !ok {
		return Latency{}, false
	}
	return p.latency(), true
}

func (p *peerStats) latency() Latency {
	n := int(p.hist.TotalCount())
	l := Latency{Samples: n, Lost: p.lost}
	if n+p.lost != 0 {
		l.LossRatio = float64(p.lost) / float64(n+p.lost)
	}
	if n != 0 {
		l.Min = time.Duration(p.hist.Min())
		l.Max = time.Duration(p.hist.Max())
		l.Mean = time.Duration(p.hist.Mean())
		l.StdDev = time.Duration(p.hist.StdDev())
		l.P50 = time.Duration(p.hist.ValueAtQuantile(50))
		l.P95 = time.Duration(p.hist.ValueAtQuantile(95))
		l.P99 = time.Duration(p.hist.ValueAtQuantile(99))
	}
	l.Jitter = jitter(p.recent)
	l.Quality = Assess(l)
	return l
}

// jitter is the mean absolute difference of consecutive round-trip times.
func jitter(rtts []time.Duration) time.Duration {
	if len(rtts) < 2 {
		return 0
	}
	var sum time.Duration
	for i := 1; i != len(rtts); i++ {
		sum += (rtts[i] - rtts[i-1]).Abs()
	}
	return sum / time.Duration(len(rtts)-1)
}

func linearScore(v, zero float64) float64 {
	return math.Max(0, 100*(1-v/zero))
}

// Assess rates a latency summary on a 0-100 scale. Latency counts 40%,
// jitter and loss 30% each; each component reaches zero at twice its
// warning threshold.
func Assess(l Latency) Quality {
	q := Quality{
		HighLatency: l.Mean > HighLatency,
		HighJitter:  l.Jitter > HighJitter,
		HighLoss:    l.LossRatio > HighLoss,
	}
	if l.Samples == 0 {
		return q
	}
	latency := linearScore(float64(l.Mean), float64(2*HighLatency))
	jitter := linearScore(float64(l.Jitter), float64(2*HighJitter))
	loss := linearScore(l.LossRatio, 2*HighLoss)
	q.Score = int(math.Round(0.4*latency + 0.3*jitter + 0.3*loss))
	switch {
	case q.Score >= 80:
		q.Level = Excellent
	case q.Score >= 60:
		q.Level = Good
	case q.Score >= 40:
		q.Level = Fair
	default:
		q.Level = Poor
	}
	return q
}
