package search

import (
	"bytes"
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"iter"
	"math/big"
)

var (
	ErrWindowOutOfRange = errors.New("search: window exceeds payload buffer")
	ErrInvalidRange     = errors.New("search: invalid counter range")
)

// DefaultCheckInterval is how many candidates are hashed between context
// checks.
const DefaultCheckInterval = 1024

var one = big.NewInt(1)

// Job is one search over a payload buffer. The buffer is owned by the job
// and mutated in place while its sequence is advanced.
type Job struct {
	buf    []byte
	window []byte
	prefix Prefix
	start  *big.Int
	end    *big.Int

	checkInterval int

	hashed  uint64
	matched uint64
	err     error
}

// NewJob binds buf[offset:offset+size] as the malleable window.
func NewJob(buf []byte, offset, size uint64, prefix Prefix, start, end *big.Int) (*Job, error) {
	bufLen := uint64(len(buf))
	if offset > bufLen || size > bufLen-offset {
		return nil, fmt.Errorf("%w: offset=%d size=%d len=%d", ErrWindowOutOfRange, offset, size, bufLen)
	}
	if start == nil || end == nil || start.Sign() < 0 || end.Sign() < 0 {
		return nil, ErrInvalidRange
	}
	return &Job{
		buf:           buf,
		window:        buf[offset : offset+size],
		prefix:        prefix,
		start:         new(big.Int).Set(start),
		end:           new(big.Int).Set(end),
		checkInterval: DefaultCheckInterval,
	}, nil
}

// SetCheckInterval changes how often Matches polls its context. Values
// below 1 poll on every candidate.
func (j *Job) SetCheckInterval(n int) {
	j.checkInterval = max(n, 1)
}

// Matches returns the matching counters in [start, end) in increasing order.
// Each call starts a fresh scan from start. The scan stops early only when
// the consumer stops or ctx is done; Err reports the latter.
func (j *Job) Matches(ctx context.Context) iter.Seq[*big.Int] {
	return func(yield func(*big.Int) bool) {
		j.hashed, j.matched, j.err = 0, 0, nil
		i := new(big.Int).Set(j.start)
		since := 0
		for i.Cmp(j.end) < 0 {
			if since++; since >= j.checkInterval {
				since = 0
				if err := ctx.Err(); err != nil {
					j.err = err
					return
				}
			}
			Encode(j.window, i)
			digest := Digest(j.buf)
			j.hashed++
			if j.prefix.Match(digest[:]) {
				j.matched++
				if !yield(new(big.Int).Set(i)) {
					return
				}
			}
			i.Add(i, one)
		}
	}
}

// Err returns the context error that ended the last scan, if any.
func (j *Job) Err() error {
	return j.err
}

// Stats reports counters for the last scan.
func (j *Job) Stats() (hashed, matched uint64) {
	return j.hashed, j.matched
}

// Verify independently re-encodes i into a copy of buf and checks the
// resulting digest against prefix.
func Verify(buf []byte, offset, size uint64, prefix Prefix, i *big.Int) (bool, [sha1.Size]byte, error) {
	cp := bytes.Clone(buf)
	job, err := NewJob(cp, offset, size, prefix, i, i)
	if err != nil {
		return false, [sha1.Size]byte{}, err
	}
	Encode(job.window, i)
	digest := Digest(cp)
	return prefix.Match(digest[:]), digest, nil
}
