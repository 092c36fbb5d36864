package database

import (
	"sync/atomic"
	"time"
)

// Snowflake generates time-ordered 64-bit event ids.
// Layout: 41 bits milliseconds since epoch | 10 bits worker | 12 bits sequence
type Snowflake struct {
	epoch    int64
	workerID int64
	state    atomic.Int64 // last millisecond << 12 | sequence
	clock    func() int64
}

const (
	workerIDBits   = 10
	sequenceBits   = 12
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
	sequenceMask   = (1 << sequenceBits) - 1
	maxWorkerID    = (1 << workerIDBits) - 1
)

// NewSnowflake creates a generator. Out-of-range worker ids fall back to 0.
func NewSnowflake(epoch int64, workerID int64) *Snowflake {
	if workerID < 0 || workerID > maxWorkerID {
		workerID = 0
	}
	return &Snowflake{
		epoch:    epoch,
		workerID: workerID,
		clock:    func() int64 { return time.Now().UnixMilli() },
	}
}

// NextID returns a strictly increasing id. It never blocks on the clock: when
// a millisecond's sequence space runs out, or the clock steps backwards, it
// borrows the next millisecond instead.
func (s *Snowflake) NextID() int64 {
	for {
		old := s.state.Load()
		last := old >> sequenceBits
		seq := old & sequenceMask

		now := s.clock()
		if now > last {
			last, seq = now, 0
		} else {
			seq++
			if seq > sequenceMask {
				last, seq = last+1, 0
			}
		}

		if s.state.CompareAndSwap(old, last<<sequenceBits|seq) {
			return (last-s.epoch)<<timestampShift | s.workerID<<workerIDShift | seq
		}
	}
}
