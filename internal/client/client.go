package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/wsmine/internal/protocol"
	"github.com/danmuck/wsmine/internal/protocol/frame"
	"github.com/danmuck/wsmine/internal/search"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	ErrAddressRequired  = errors.New("client: server address required")
	ErrBadRequest       = errors.New("client: server rejected request")
	ErrUnexpectedStatus = errors.New("client: unexpected response status")
	ErrMalformedMatch   = errors.New("client: malformed match chunk")
	ErrMismatch         = errors.New("client: reported match does not verify")
)

type Config struct {
	Address     string
	DialTimeout time.Duration
	// Verify re-hashes every reported match locally before it is accepted.
	Verify bool
	Limits frame.Limits
	Logger zerolog.Logger
}

func DefaultConfig() Config {
	return Config{
		Address:     "localhost:8000",
		DialTimeout: 5 * time.Second,
		Verify:      true,
		Limits:      frame.DefaultLimits(),
		Logger:      zerolog.Nop(),
	}
}

// Request is one search to submit. Start and End default to zero. Prefix
// may use either hex case; it is sent lowercase.
type Request struct {
	Prefix  string
	Size    uint64
	Offset  uint64
	Start   *big.Int
	End     *big.Int
	Payload []byte
}

func (r Request) Descriptor() protocol.Descriptor {
	return protocol.Descriptor{
		Prefix: strings.ToLower(r.Prefix),
		Size:   r.Size,
		Offset: r.Offset,
		Start:  orZero(r.Start),
		End:    orZero(r.End),
	}
}

// Result summarizes one finished search. NotFound is set when the server
// answered 404.
type Result struct {
	Matches  []*big.Int
	NotFound bool
	Duration time.Duration
}

type Client struct {
	cfg Config
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrAddressRequired
	}
	if cfg.Limits == (frame.Limits{}) {
		cfg.Limits = frame.DefaultLimits()
	}
	return &Client{cfg: cfg}, nil
}

// Search submits req on a fresh connection. onMatch, when set, sees each
// match as its chunk arrives; returning an error abandons the connection.
func (c *Client) Search(ctx context.Context, req Request, onMatch func(*big.Int) error) (Result, error) {
	began := time.Now()
	desc := req.Descriptor()
	prefix, err := search.ParsePrefix(desc.Prefix)
	if err != nil {
		return Result{}, err
	}

	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Address)
	if err != nil {
		return Result{}, err
	}
	defer conn.Close()
	// Cancellation resets the connection so the server abandons the search.
	stop := context.AfterFunc(ctx, func() {
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetLinger(0)
		}
		_ = conn.Close()
	})
	defer stop()

	if err := writeRequest(conn, desc, req.Payload); err != nil {
		return Result{}, ctxErr(ctx, err)
	}

	var verifyBuf []byte
	if c.cfg.Verify {
		verifyBuf = search.NewBuffer(req.Payload, desc.Offset, desc.Size)
	}

	var matches []*big.Int
	resp, err := frame.ReadResponse(bufio.NewReader(conn), c.cfg.Limits, func(chunk []byte) error {
		i, err := parseMatch(chunk)
		if err != nil {
			return err
		}
		if verifyBuf != nil {
			ok, _, err := search.Verify(verifyBuf, desc.Offset, desc.Size, prefix, i)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %x", ErrMismatch, i)
			}
		}
		matches = append(matches, i)
		if onMatch != nil {
			return onMatch(i)
		}
		return nil
	})
	if err != nil {
		return Result{Matches: matches}, ctxErr(ctx, err)
	}

	result := Result{Matches: matches, Duration: time.Since(began)}
	switch resp.Status.Code {
	case frame.StatusOK.Code:
	case frame.StatusNotFound.Code:
		result.NotFound = true
	case frame.StatusBadRequest.Code:
		return result, fmt.Errorf("%w: %s", ErrBadRequest, desc.StartLine())
	default:
		return result, fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)
	}
	c.cfg.Logger.Debug().
		Str("addr", c.cfg.Address).
		Str("request", desc.StartLine()).
		Int("status", resp.Status.Code).
		Int("matches", len(matches)).
		Dur("duration", result.Duration).
		Msg("search finished")
	return result, nil
}

// SearchSharded splits [Start, End) into up to shards contiguous ranges,
// submits them on concurrent connections and merges the matches in
// increasing order. The first failing shard cancels the rest.
func (c *Client) SearchSharded(ctx context.Context, req Request, shards int) (Result, error) {
	began := time.Now()
	ranges := SplitRange(orZero(req.Start), orZero(req.End), shards)
	if len(ranges) == 0 {
		return Result{NotFound: true, Duration: time.Since(began)}, nil
	}

	results := make([]Result, len(ranges))
	g, gctx := errgroup.WithContext(ctx)
	for idx, r := range ranges {
		shard := req
		shard.Start, shard.End = r[0], r[1]
		g.Go(func() error {
			res, err := c.Search(gctx, shard, nil)
			if err != nil {
				return fmt.Errorf("shard %d [%x, %x): %w", idx, r[0], r[1], err)
			}
			results[idx] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	var merged []*big.Int
	for _, res := range results {
		merged = append(merged, res.Matches...)
	}
	return Result{
		Matches:  merged,
		NotFound: len(merged) == 0,
		Duration: time.Since(began),
	}, nil
}

// SplitRange divides [start, end) into at most n non-empty contiguous
// ranges in increasing order.
func SplitRange(start, end *big.Int, n int) [][2]*big.Int {
	if n < 1 {
		n = 1
	}
	width := new(big.Int).Sub(end, start)
	if width.Sign() <= 0 {
		return nil
	}
	if width.Cmp(big.NewInt(int64(n))) < 0 {
		n = int(width.Int64())
	}
	step, rem := new(big.Int).QuoRem(width, big.NewInt(int64(n)), new(big.Int))
	extra := int(rem.Int64())

	out := make([][2]*big.Int, 0, n)
	lo := new(big.Int).Set(start)
	for k := range n {
		hi := new(big.Int).Add(lo, step)
		if k < extra {
			hi.Add(hi, big.NewInt(1))
		}
		out = append(out, [2]*big.Int{lo, hi})
		lo = new(big.Int).Set(hi)
	}
	return out
}

// Sorted reports whether matches are strictly increasing.
func Sorted(matches []*big.Int) bool {
	for k := 1; k < len(matches); k++ {
		if matches[k-1].Cmp(matches[k]) >= 0 {
			return false
		}
	}
	return true
}

func writeRequest(conn net.Conn, desc protocol.Descriptor, payload []byte) error {
	var buf bytes.Buffer
	buf.WriteString(desc.StartLine())
	buf.WriteString("\r\n")
	buf.WriteString(frame.HeaderContentLength)
	buf.WriteString(": ")
	buf.WriteString(strconv.Itoa(len(payload)))
	buf.WriteString("\r\n\r\n")
	buf.Write(payload)
	_, err := conn.Write(buf.Bytes())
	return err
}

func parseMatch(chunk []byte) (*big.Int, error) {
	raw, ok := bytes.CutSuffix(chunk, []byte{'\n'})
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrMalformedMatch, chunk)
	}
	i, ok := new(big.Int).SetString(string(raw), 16)
	if !ok || i.Sign() < 0 {
		return nil, fmt.Errorf("%w: %q", ErrMalformedMatch, chunk)
	}
	return i, nil
}

func ctxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
