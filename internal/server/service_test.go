package server

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha1"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/wsmine/internal/protocol/frame"
	"github.com/danmuck/wsmine/internal/search"
	"github.com/danmuck/wsmine/internal/testutil/testlog"
	"github.com/rs/zerolog"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	svc    *Service
	addr   string
	cancel context.CancelFunc
	done   chan error
	logs   *lockedBuffer
}

func startService(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	logs := &lockedBuffer{}
	cfg := DefaultConfig()
	cfg.ReadTimeout = 2 * time.Second
	cfg.WriteTimeout = 2 * time.Second
	cfg.Logger = zerolog.New(logs)
	if mutate != nil {
		mutate(&cfg)
	}
	svc := NewServiceWithConfig(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{svc: svc, addr: ln.Addr().String(), cancel: cancel, done: make(chan error, 1), logs: logs}
	go func() {
		h.done <- svc.Serve(ctx, ln)
	}()
	t.Cleanup(func() { h.stop(t) })
	return h
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.cancel = nil
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("serve exit err: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not exit")
	}
}

// roundTrip sends raw bytes and returns everything the server wrote before
// closing the connection.
func roundTrip(t *testing.T, addr, raw string) string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.WriteString(conn, raw); err != nil {
		t.Fatalf("write request: %v", err)
	}
	out, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return string(out)
}

func request(line string, body string) string {
	return fmt.Sprintf("%s\r\nHost: test\r\nContent-Length: %d\r\n\r\n%s", line, len(body), body)
}

func expectedMatches(body []byte, offset, size uint64, nibbles string, start, end int64) []string {
	prefix, _ := search.ParsePrefix(nibbles)
	var out []string
	for i := start; i < end; i++ {
		buf := search.NewBuffer(body, offset, size)
		search.Encode(buf[offset:offset+size], big.NewInt(i))
		d := sha1.Sum(buf)
		if prefix.Match(d[:]) {
			out = append(out, fmt.Sprintf("%x", i))
		}
	}
	return out
}

func chunkedBody(matches []string) string {
	var b strings.Builder
	for _, m := range matches {
		fmt.Fprintf(&b, "%X\r\n%s\n\r\n", len(m)+1, m)
	}
	b.WriteString("0\r\n\r\n")
	return b.String()
}

func TestServiceMalformedStartLineRejectedWithoutReadingBody(t *testing.T) {
	testlog.Start(t)
	h := startService(t, nil)

	// The body is never sent; a server that tried to read it would block
	// until the read timeout instead of answering immediately.
	raw := "POST /api/v1/play?prefix=0&size=8&offset=0&start=0 HTTP/1.1\r\nContent-Length: 100\r\n\r\n"
	began := time.Now()
	got := roundTrip(t, h.addr, raw)
	want := "HTTP/1.1 400 Bad Request\r\nContent-Length: 4\r\n\r\n400\n"
	if got != want {
		t.Fatalf("unexpected response:\n got=%q\nwant=%q", got, want)
	}
	if time.Since(began) > time.Second {
		t.Fatalf("rejection waited on body read: %v", time.Since(began))
	}

	h.stop(t)
	if !strings.Contains(h.logs.String(), "start=0 HTTP/1.1 400 Bad Request") {
		t.Fatalf("missing operational log line: %s", h.logs.String())
	}
	if stats := h.svc.Stats(); stats.Rejected != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestServiceEmptyRangeIsNotFound(t *testing.T) {
	testlog.Start(t)
	h := startService(t, nil)

	line := "POST /api/v1/play?prefix=&size=8&offset=0&start=5&end=5 HTTP/1.1"
	got := roundTrip(t, h.addr, request(line, "x"))
	want := "HTTP/1.1 404 Not Found\r\nContent-Length: 4\r\n\r\n404\n"
	if got != want {
		t.Fatalf("unexpected response:\n got=%q\nwant=%q", got, want)
	}

	h.stop(t)
	if !strings.Contains(h.logs.String(), line+" 404 Not Found") {
		t.Fatalf("missing operational log line: %s", h.logs.String())
	}
	if stats := h.svc.Stats(); stats.Hashed != 0 || stats.NotFound != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestServiceSingleByteScenario(t *testing.T) {
	testlog.Start(t)
	h := startService(t, nil)

	line := "POST /api/v1/play?prefix=0&size=8&offset=0&start=0&end=2 HTTP/1.1"
	got := roundTrip(t, h.addr, request(line, "q"))

	matches := expectedMatches([]byte("q"), 0, 8, "0", 0, 2)
	var want string
	if len(matches) == 0 {
		want = "HTTP/1.1 404 Not Found\r\nContent-Length: 4\r\n\r\n404\n"
	} else {
		want = "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" + chunkedBody(matches)
	}
	if got != want {
		t.Fatalf("unexpected response:\n got=%q\nwant=%q", got, want)
	}
}

func TestServiceStreamsAllMatchesInOrder(t *testing.T) {
	testlog.Start(t)
	h := startService(t, nil)

	body := "hello,  world  !"
	line := "POST /api/v1/play?prefix=b&size=9&offset=3&start=10&end=400 HTTP/1.1"
	got := roundTrip(t, h.addr, request(line, body))

	matches := expectedMatches([]byte(body), 3, 9, "b", 0x10, 0x400)
	if len(matches) == 0 {
		t.Fatalf("fixture produced no matches; pick a wider range")
	}
	want := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" + chunkedBody(matches)
	if got != want {
		t.Fatalf("unexpected response:\n got=%q\nwant=%q", got, want)
	}

	h.stop(t)
	logLine := fmt.Sprintf("%s 200 OK %d", line, len(matches))
	if !strings.Contains(h.logs.String(), logLine) {
		t.Fatalf("missing operational log line %q in %s", logLine, h.logs.String())
	}
	stats := h.svc.Stats()
	if stats.Streamed != 1 || stats.Matches != uint64(len(matches)) || stats.Hashed != 0x400-0x10 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestServiceWindowPastBodyIsZeroPadded(t *testing.T) {
	testlog.Start(t)
	h := startService(t, nil)

	line := "POST /api/v1/play?prefix=&size=2&offset=6&start=0&end=1 HTTP/1.1"
	got := roundTrip(t, h.addr, request(line, "ab"))
	if !strings.HasPrefix(got, "HTTP/1.1 200 OK\r\n") || !strings.Contains(got, "2\r\n0\n\r\n") {
		t.Fatalf("unexpected response: %q", got)
	}

	line = "POST /api/v1/play?prefix=" + hexDigest([]byte{'a', 'b', 0, 0, 0, 0, search.Tab, search.Space}) +
		"&size=2&offset=6&start=0&end=4 HTTP/1.1"
	got = roundTrip(t, h.addr, request(line, "ab"))
	want := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" + chunkedBody([]string{"1"})
	if got != want {
		t.Fatalf("padding mismatch:\n got=%q\nwant=%q", got, want)
	}
}

func hexDigest(b []byte) string {
	d := sha1.Sum(b)
	return fmt.Sprintf("%x", d)
}

func TestServiceMalformedHeaderRejected(t *testing.T) {
	testlog.Start(t)
	h := startService(t, nil)

	raw := "POST /api/v1/play?prefix=0&size=8&offset=0&start=0&end=2 HTTP/1.1\r\nbroken header\r\n\r\n"
	got := roundTrip(t, h.addr, raw)
	if !strings.HasPrefix(got, "HTTP/1.1 400 Bad Request\r\n") {
		t.Fatalf("unexpected response: %q", got)
	}
}

func TestServiceLimitsRejected(t *testing.T) {
	testlog.Start(t)
	h := startService(t, func(cfg *Config) {
		cfg.Limits.MaxBufferBytes = 1024
	})

	line := "POST /api/v1/play?prefix=0&size=2048&offset=0&start=0&end=2 HTTP/1.1"
	got := roundTrip(t, h.addr, request(line, ""))
	if !strings.HasPrefix(got, "HTTP/1.1 400 Bad Request\r\n") {
		t.Fatalf("unexpected response: %q", got)
	}
}

func TestServiceTruncatedBodyDropsConnection(t *testing.T) {
	testlog.Start(t)
	h := startService(t, func(cfg *Config) {
		cfg.WatchDisconnect = false
	})

	conn, err := net.Dial("tcp", h.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	raw := "POST /api/v1/play?prefix=0&size=8&offset=0&start=0&end=2 HTTP/1.1\r\nContent-Length: 10\r\n\r\nabc"
	if _, err := io.WriteString(conn, raw); err != nil {
		t.Fatalf("write: %v", err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.CloseWrite()
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	out, _ := io.ReadAll(conn)
	if len(out) != 0 {
		t.Fatalf("expected no response on truncated body, got %q", out)
	}

	h.stop(t)
	if stats := h.svc.Stats(); stats.Dropped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestServiceNetHTTPClientDecodesStream(t *testing.T) {
	testlog.Start(t)
	h := startService(t, nil)

	body := []byte("some text with room   for bits\n")
	url := fmt.Sprintf("http://%s/api/v1/play?prefix=c&size=6&offset=19&start=0&end=40", h.addr)
	resp, err := http.Post(url, "text/plain", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	want := expectedMatches(body, 19, 6, "c", 0, 0x40)
	if len(want) == 0 {
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", resp.StatusCode)
		}
		return
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	scanner := bufio.NewScanner(resp.Body)
	var got []string
	for scanner.Scan() {
		got = append(got, scanner.Text())
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected matches: got=%v want=%v", got, want)
	}
}

func TestServiceBoundedConcurrencyQueuesConnections(t *testing.T) {
	testlog.Start(t)
	h := startService(t, func(cfg *Config) {
		cfg.MaxConcurrent = 1
		cfg.WatchDisconnect = false
	})

	// Hold the only slot with a connection that never sends its start line.
	holder, err := net.Dial("tcp", h.addr)
	if err != nil {
		t.Fatalf("dial holder: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for h.svc.Stats().Active != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("holder never admitted")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !h.svc.Stats().Saturated {
		t.Fatalf("expected saturated stats")
	}

	result := make(chan string, 1)
	go func() {
		line := "POST /api/v1/play?prefix=&size=0&offset=0&start=0&end=0 HTTP/1.1"
		conn, err := net.Dial("tcp", h.addr)
		if err != nil {
			result <- err.Error()
			return
		}
		defer conn.Close()
		_, _ = io.WriteString(conn, request(line, ""))
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		out, _ := io.ReadAll(conn)
		result <- string(out)
	}()

	select {
	case out := <-result:
		t.Fatalf("second connection served while slot held: %q", out)
	case <-time.After(200 * time.Millisecond):
	}

	_ = holder.Close()
	select {
	case out := <-result:
		if !strings.HasPrefix(out, "HTTP/1.1 404 Not Found\r\n") {
			t.Fatalf("unexpected queued response: %q", out)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("queued connection never served")
	}
}

func TestServiceHalfCloseStillAnswered(t *testing.T) {
	testlog.Start(t)
	h := startService(t, func(cfg *Config) {
		cfg.CheckInterval = 1
	})

	conn, err := net.Dial("tcp", h.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	line := "POST /api/v1/play?prefix=ffffffff&size=16&offset=0&start=0&end=40000 HTTP/1.1"
	if _, err := io.WriteString(conn, request(line, "")); err != nil {
		t.Fatalf("write: %v", err)
	}
	// The peer stops sending but keeps reading.
	if err := conn.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatalf("close write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	out, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}

	matches := expectedMatches(nil, 0, 16, "ffffffff", 0, 0x40000)
	want := "HTTP/1.1 404 Not Found\r\nContent-Length: 4\r\n\r\n404\n"
	if len(matches) > 0 {
		want = "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" + chunkedBody(matches)
	}
	if string(out) != want {
		t.Fatalf("unexpected response after half-close:\n got=%q\nwant=%q", out, want)
	}

	h.stop(t)
	stats := h.svc.Stats()
	if stats.Dropped != 0 || stats.Hashed != 0x40000 {
		t.Fatalf("search cut short by half-close: %+v", stats)
	}
}

func TestServiceClientResetCancelsSearch(t *testing.T) {
	testlog.Start(t)
	h := startService(t, func(cfg *Config) {
		cfg.CheckInterval = 1
	})

	conn, err := net.Dial("tcp", h.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	// An effectively unbounded range with a prefix that almost never matches.
	line := "POST /api/v1/play?prefix=00000000000000000000&size=64&offset=0&start=0&end=ffffffffffffffffffff HTTP/1.1"
	if _, err := io.WriteString(conn, request(line, "")); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for h.svc.Stats().Active != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("search never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Abort with a reset rather than a FIN.
	_ = conn.(*net.TCPConn).SetLinger(0)
	_ = conn.Close()

	deadline = time.Now().Add(5 * time.Second)
	for h.svc.Stats().Active != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("search kept running after client reset")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if stats := h.svc.Stats(); stats.Dropped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestServiceShutdownStopsInFlightSearch(t *testing.T) {
	testlog.Start(t)
	h := startService(t, func(cfg *Config) {
		cfg.WatchDisconnect = false
		cfg.CheckInterval = 1
	})

	conn, err := net.Dial("tcp", h.addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	line := "POST /api/v1/play?prefix=00000000000000000000&size=64&offset=0&start=0&end=ffffffffffffffffffff HTTP/1.1"
	if _, err := io.WriteString(conn, request(line, "")); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for h.svc.Stats().Active != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("search never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.stop(t)
	if stats := h.svc.Stats(); stats.Active != 0 {
		t.Fatalf("handler still active after shutdown: %+v", stats)
	}
}

func TestMatchChunkLowercaseHex(t *testing.T) {
	testlog.Start(t)

	v, _ := new(big.Int).SetString("ABCDEF0123456789ABCDEF", 16)
	if got := string(matchChunk(v)); got != "abcdef0123456789abcdef\n" {
		t.Fatalf("unexpected chunk: %q", got)
	}
	if got := string(matchChunk(big.NewInt(0))); got != "0\n" {
		t.Fatalf("unexpected zero chunk: %q", got)
	}
}

func TestStreamMatchesStopsOnWriteFailure(t *testing.T) {
	testlog.Start(t)

	job, err := search.NewJob(make([]byte, 4), 0, 4, search.Prefix{}, big.NewInt(0), big.NewInt(16))
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	w := &failAfter{n: 2}
	found, err := streamMatches(context.Background(), job, frame.NewStream(w))
	if err == nil {
		t.Fatalf("expected write failure")
	}
	if found != 2 {
		t.Fatalf("expected 2 chunks written before failure, got %d", found)
	}
	if hashed, _ := job.Stats(); hashed != 3 {
		t.Fatalf("search continued after write failure: hashed=%d", hashed)
	}
}

type failAfter struct {
	n int
}

func (w *failAfter) Write(p []byte) (int, error) {
	if w.n == 0 {
		return 0, io.ErrClosedPipe
	}
	w.n--
	return len(p), nil
}
