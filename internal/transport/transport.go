// Package transport negotiates live media access for the handle pool.
//
// WSOpener performs an offer/answer exchange over a websocket signaling
// channel and keeps the connection open for as long as the pool holds the
// handle. StaticOpener hands out local handles for deployments without a
// signaling server.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"viewd/internal/pool"
)

const closeGrace = time.Second

// Message is one signaling frame.
type Message struct {
	Type  string `json:"type"`
	Key   string `json:"key,omitempty"`
	SDP   string `json:"sdp,omitempty"`
	Error string `json:"error,omitempty"`
}

// Stream is the handle produced by the openers.
type Stream struct {
	Key    string
	Answer string
	conn   *websocket.Conn
}

// WSConfig configures a WSOpener.
type WSConfig struct {
	// SignalURL is the ws:// or wss:// endpoint; the stream key is added as
	// the "key" query parameter.
	SignalURL string
	Dialer    *websocket.Dialer
	Header    http.Header
	Logger    zerolog.Logger
}

// WSOpener implements pool.Opener over websocket signaling.
type WSOpener struct {
	base   *url.URL
	dialer *websocket.Dialer
	header http.Header
	log    zerolog.Logger
}

// NewWSOpener validates cfg and returns an opener.
func NewWSOpener(cfg WSConfig) (*WSOpener, error) {
	u, err := url.Parse(cfg.SignalURL)
	if err != nil {
		return nil, fmt.Errorf("parse signal url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("signal url must be ws:// or wss://, got %q", cfg.SignalURL)
	}
	d := cfg.Dialer
	if d == nil {
		d = websocket.DefaultDialer
	}
	return &WSOpener{
		base:   u,
		dialer: d,
		header: cfg.Header,
		log:    cfg.Logger.With().Str("component", "transport").Logger(),
	}, nil
}

// Open dials the signaling endpoint, sends an offer for key and waits for
// the answer. ctx bounds the whole exchange.
func (o *WSOpener) Open(ctx context.Context, key string) (pool.Handle, error) {
	u := *o.base
	q := u.Query()
	q.Set("key", key)
	u.RawQuery = q.Encode()

	conn, resp, err := o.dialer.DialContext(ctx, u.String(), o.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial signaling: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("dial signaling: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
		_ = conn.SetWriteDeadline(dl)
	}
	if err := conn.WriteJSON(Message{Type: "offer", Key: key, SDP: offerFor(key)}); err != nil {
		_ = conn.Close()
		return nil, o.ctxErr(ctx, fmt.Errorf("send offer: %w", err))
	}
	var answer Message
	if err := conn.ReadJSON(&answer); err != nil {
		_ = conn.Close()
		return nil, o.ctxErr(ctx, fmt.Errorf("read answer: %w", err))
	}
	switch answer.Type {
	case "answer":
	case "error":
		_ = conn.Close()
		return nil, fmt.Errorf("signaling rejected %s: %s", key, answer.Error)
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected signaling message %q", answer.Type)
	}
	if !stop() {
		// ctx ended right after the answer and the connection is gone
		return nil, ctx.Err()
	}
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})
	o.log.Debug().Str("key", key).Msg("event=stream_negotiated")
	return &Stream{Key: key, Answer: answer.SDP, conn: conn}, nil
}

// Close sends a close frame and drops the connection.
func (o *WSOpener) Close(key string, h pool.Handle) error {
	s, ok := h.(*Stream)
	if !ok || s.conn == nil {
		return fmt.Errorf("unexpected handle %T for %s", h, key)
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "released")
	werr := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	cerr := s.conn.Close()
	if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
		return werr
	}
	return cerr
}

func (o *WSOpener) ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
		return context.DeadlineExceeded
	}
	return err
}

func offerFor(key string) string {
	return "v=0\r\ns=viewd " + key + "\r\nt=0 0\r\nm=video 9 UDP/TLS/RTP/SAVPF 96\r\na=recvonly\r\n"
}

// StaticOpener hands out local handles without negotiation.
type StaticOpener struct {
	opened atomic.Int64
}

// Open implements pool.Opener.
func (s *StaticOpener) Open(ctx context.Context, key string) (pool.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.opened.Add(1)
	return &Stream{Key: key}, nil
}

// Close implements pool.Opener.
func (s *StaticOpener) Close(key string, h pool.Handle) error {
	s.opened.Add(-1)
	return nil
}

// Active returns the number of handles currently open.
func (s *StaticOpener) Active() int64 { return s.opened.Load() }

var (
	_ pool.Opener = (*WSOpener)(nil)
	_ pool.Opener = (*StaticOpener)(nil)
)
