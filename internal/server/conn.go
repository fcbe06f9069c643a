package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"math/big"
	"net"
	"strconv"
	"time"

	"github.com/danmuck/wsmine/internal/observability"
	"github.com/danmuck/wsmine/internal/protocol"
	"github.com/danmuck/wsmine/internal/protocol/frame"
	"github.com/danmuck/wsmine/internal/search"
	"github.com/rs/zerolog"
)

// unreadLine stands in for the request line in log output when none was read.
const unreadLine = "-"

// handleConn serves exactly one request on conn.
func (s *Service) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	active := s.active.Add(1)
	observability.ConnOpened()
	s.log.Debug().Str("remote", remote).Int64("active_clients", active).Msg("search client connected")
	defer func() {
		remaining := s.active.Add(-1)
		observability.ConnClosed()
		s.log.Debug().Str("remote", remote).Int64("active_clients", remaining).Msg("search client disconnected")
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	began := time.Now()
	reader := bufio.NewReader(conn)
	limits := s.cfg.Limits

	s.setReadDeadline(conn)
	line, err := frame.ReadLine(reader, limits.MaxLineBytes)
	if err != nil {
		if frame.Rejectable(err) {
			s.reject(conn, remote, unreadLine, err, began)
			return
		}
		s.drop(remote, unreadLine, "read start line", err, began, 0, 0)
		return
	}

	desc, err := protocol.ParseStartLine(line)
	if err != nil {
		s.reject(conn, remote, line, err, began)
		return
	}

	headers, err := frame.ReadHeaders(reader, limits)
	if err != nil {
		if frame.Rejectable(err) {
			s.reject(conn, remote, line, err, began)
			return
		}
		s.drop(remote, line, "read headers", err, began, 0, 0)
		return
	}
	bodyLen, err := headers.ContentLength()
	if err != nil {
		s.reject(conn, remote, line, err, began)
		return
	}
	buf, err := frame.ReadPayload(reader, bodyLen, desc.WindowEnd(), limits)
	if err != nil {
		if frame.Rejectable(err) {
			s.reject(conn, remote, line, err, began)
			return
		}
		s.drop(remote, line, "read body", err, began, 0, 0)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	prefix, err := search.ParsePrefix(desc.Prefix)
	if err != nil {
		s.reject(conn, remote, line, err, began)
		return
	}
	job, err := search.NewJob(buf, desc.Offset, desc.Size, prefix, desc.Start, desc.End)
	if err != nil {
		s.reject(conn, remote, line, err, began)
		return
	}
	job.SetCheckInterval(s.cfg.CheckInterval)

	if s.cfg.WatchDisconnect {
		go watchDisconnect(reader, cancel)
	}

	stream := frame.NewStream(&deadlineWriter{conn: conn, timeout: s.cfg.WriteTimeout})
	found, err := streamMatches(ctx, job, stream)
	hashed, _ := job.Stats()
	s.hashed.Add(hashed)
	s.matches.Add(found)
	if err != nil {
		s.drop(remote, line, "write match", err, began, hashed, found)
		return
	}
	if err := job.Err(); err != nil {
		s.drop(remote, line, "search cancelled", err, began, hashed, found)
		return
	}

	if found == 0 {
		if err := s.writeStatus(conn, frame.StatusNotFound); err != nil {
			s.drop(remote, line, "write response", err, began, hashed, 0)
			return
		}
		s.notFound.Add(1)
		observability.RecordSearch(observability.OutcomeNotFound, hashed, 0, time.Since(began))
		s.access(remote, frame.StatusNotFound.Code, hashed, 0, began).Msg(line + " " + frame.StatusNotFound.String())
		return
	}

	if err := stream.Close(); err != nil {
		s.drop(remote, line, "write terminator", err, began, hashed, found)
		return
	}
	s.streamed.Add(1)
	observability.RecordSearch(observability.OutcomeStreamed, hashed, found, time.Since(began))
	s.access(remote, frame.StatusOK.Code, hashed, found, began).
		Msg(line + " " + frame.StatusOK.String() + " " + strconv.FormatUint(found, 10))
}

// streamMatches writes one chunk per match as the engine yields it.
func streamMatches(ctx context.Context, job *search.Job, stream *frame.Stream) (uint64, error) {
	var found uint64
	for i := range job.Matches(ctx) {
		if err := stream.WriteChunk(matchChunk(i)); err != nil {
			return found, err
		}
		found++
	}
	return found, nil
}

func matchChunk(i *big.Int) []byte {
	return append(i.Append(nil, 16), '\n')
}

func (s *Service) reject(conn net.Conn, remote, line string, cause error, began time.Time) {
	s.rejected.Add(1)
	observability.RecordSearch(observability.OutcomeRejected, 0, 0, time.Since(began))
	if err := s.writeStatus(conn, frame.StatusBadRequest); err != nil {
		s.log.Warn().Str("remote", remote).Err(err).Msg("search write rejection failed")
	}
	s.access(remote, frame.StatusBadRequest.Code, 0, 0, began).
		AnErr("cause", cause).
		Msg(line + " " + frame.StatusBadRequest.String())
}

// drop records a connection abandoned without a complete response.
func (s *Service) drop(remote, line, stage string, cause error, began time.Time, hashed, found uint64) {
	s.dropped.Add(1)
	observability.RecordSearch(observability.OutcomeDropped, hashed, found, time.Since(began))
	event := s.log.Warn()
	if errors.Is(cause, io.EOF) {
		event = s.log.Debug()
	}
	event.
		Str("remote", remote).
		Str("request", line).
		Str("stage", stage).
		Uint64("hashed", hashed).
		Uint64("matches", found).
		Err(cause).
		Msg("search connection dropped")
}

func (s *Service) access(remote string, status int, hashed, found uint64, began time.Time) *zerolog.Event {
	return s.log.Info().
		Str("remote", remote).
		Int("status", status).
		Uint64("hashed", hashed).
		Uint64("matches", found).
		Dur("duration", time.Since(began))
}

func (s *Service) writeStatus(conn net.Conn, status frame.Status) error {
	if s.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	return frame.WriteBounded(conn, status, frame.StatusBody(status))
}

func (s *Service) setReadDeadline(conn net.Conn) {
	if s.cfg.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}
}

// deadlineWriter refreshes the write deadline before every write.
type deadlineWriter struct {
	conn    net.Conn
	timeout time.Duration
}

func (w *deadlineWriter) Write(p []byte) (int, error) {
	if w.timeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	}
	return w.conn.Write(p)
}

// watchDisconnect cancels the search when reading from the peer fails with
// anything but EOF, such as a reset. EOF is a half-close: the peer may still
// be reading, so the search continues and a dead peer surfaces as a write
// failure. Bytes sent after the request are discarded.
func watchDisconnect(r io.Reader, cancel context.CancelFunc) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		cancel()
	}
}
