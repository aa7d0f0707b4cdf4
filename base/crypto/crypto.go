package crypto

// Bounded random numbers from a cryptographically secure source, based on
// Daniel Lemire, Fast Random Integer Generation in an Interval
// ACM Transactions on Modeling and Computer Simulation 29 (1), 2019
// https://lemire.me/en/publication/arxiv1805/

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"math"
	"time"
)

func randUint63(ctx context.Context, n uint64) (uint64, error) {
	if n < 2 {
		return 0, nil
	}
	t := -n % n
	var b [8]byte
	var x uint64
	for {
		_, err := rand.Read(b[:])
		if err != nil {
			return 0, err
		}
		x = binary.LittleEndian.Uint64(b[:])
		if x >= t {
			break
		}
		err = ctx.Err()
		if err != nil {
			return 0, err
		}
	}
	return x % n, nil
}

// RandDuration returns a uniformly distributed duration in [0, d).
func RandDuration(ctx context.Context, d time.Duration) (time.Duration, error) {
	if d <= 0 {
		return 0, nil
	}
	if d == math.MaxInt64 {
		panic("invalid argument: d too large")
	}
	x, err := randUint63(ctx, uint64(d))
	return time.Duration(x), err
}
