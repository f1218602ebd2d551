package server

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"modgate/internal/core"
	"modgate/internal/moderation"
)

const (
	sseContentType = "text/event-stream"
	doneFrame      = "data: [DONE]\n\n"

	// watchdogTick is how often stream inactivity is checked.
	watchdogTick = 10 * time.Second

	// tailWindow is how many trailing bytes are kept to detect a
	// provider-sent terminal [DONE].
	tailWindow = 32
)

// Relay copies provider stream bytes to the client unmodified, enforcing
// the inactivity watchdog and guaranteeing a terminal [DONE] frame. Once
// the status line is committed, errors are reported in-band as SSE frames.
type Relay struct {
	timeout time.Duration
	tick    time.Duration
}

// NewRelay creates a relay with the given inactivity timeout.
func NewRelay(timeout time.Duration) *Relay {
	return &Relay{timeout: timeout, tick: watchdogTick}
}

type chunk struct {
	data []byte
	err  error
}

// Pipe streams the provider body to the client. Verdict headers are set
// before the first byte; the response always ends with a [DONE] frame,
// the provider's own or one appended here.
func (r *Relay) Pipe(c echo.Context, stream io.ReadCloser, verdict *moderation.Verdict) error {
	defer stream.Close()

	res := c.Response()
	writeSSEHeaders(res.Header())
	setVerdictHeaders(res.Header(), verdict)
	res.WriteHeader(http.StatusOK)
	res.Flush()

	done := make(chan struct{})
	defer close(done)

	chunks := make(chan chunk)
	go readChunks(stream, chunks, done)

	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	ctx := c.Request().Context()
	lastByte := time.Now()
	var tail []byte

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			if time.Since(lastByte) > r.timeout {
				slog.Warn("stream idle past timeout, closing", "timeout", r.timeout)
				writeFrame(res, core.NewStreamTimeoutError(int(r.timeout.Seconds())).MarshalSSE())
				writeDone(res)
				res.Flush()
				return nil
			}

		case ck, ok := <-chunks:
			if !ok {
				if !sawTerminalDone(tail) {
					writeDone(res)
					res.Flush()
				}
				return nil
			}
			if ck.err != nil {
				slog.Warn("stream read failed mid-relay", "error", ck.err)
				writeFrame(res, core.NewStreamInterruptedError(ck.err).MarshalSSE())
				writeDone(res)
				res.Flush()
				return nil
			}
			if _, err := res.Write(ck.data); err != nil {
				return nil
			}
			res.Flush()
			lastByte = time.Now()
			tail = appendTail(tail, ck.data)
		}
	}
}

// Violation answers a streaming request whose content was blocked: a 200
// SSE response carrying the violation envelope and [DONE], no provider
// call.
func (r *Relay) Violation(c echo.Context, verdict *moderation.Verdict) error {
	ge := core.NewViolationError(verdict.RiskLevel, verdict.LogID, verdict.Partial)

	res := c.Response()
	writeSSEHeaders(res.Header())
	setVerdictHeaders(res.Header(), verdict)
	res.WriteHeader(http.StatusOK)
	writeFrame(res, ge.MarshalSSE())
	writeDone(res)
	res.Flush()
	return nil
}

// readChunks pumps stream reads into out until EOF, a read error, or the
// relay signalling done. The channel is closed on EOF only.
func readChunks(stream io.Reader, out chan<- chunk, done <-chan struct{}) {
	buf := make([]byte, 32*1024)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case out <- chunk{data: data}:
			case <-done:
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				select {
				case out <- chunk{err: err}:
				case <-done:
				}
				return
			}
			close(out)
			return
		}
	}
}

func writeSSEHeaders(h http.Header) {
	h.Set(echo.HeaderContentType, sseContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
}

func writeFrame(w io.Writer, payload []byte) {
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

func writeDone(w io.Writer) {
	io.WriteString(w, doneFrame)
}

func appendTail(tail, data []byte) []byte {
	tail = append(tail, data...)
	if len(tail) > tailWindow {
		tail = tail[len(tail)-tailWindow:]
	}
	return tail
}

// sawTerminalDone reports whether the stream already ended with its own
// [DONE] frame.
func sawTerminalDone(tail []byte) bool {
	t := strings.TrimRight(string(tail), " \t\r\n")
	return strings.HasSuffix(t, "[DONE]")
}
