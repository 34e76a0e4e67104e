package web

import (
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nugget/platecheck/internal/analysis"
	"github.com/nugget/platecheck/internal/engine"
	"github.com/nugget/platecheck/internal/events"
	"github.com/nugget/platecheck/internal/render"
)

const (
	writeWait    = 10 * time.Second
	eventsBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 16 * 1024,
}

// handleChat runs a chat conversation over a WebSocket. The session is
// taken from the "session" query parameter or generated. The server
// greets with a [Reply] carrying the session ID and answers each
// [AnalyzeRequest] frame with one [Reply], in order.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("chat upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// base64 inflates by 4/3.
	conn.SetReadLimit(s.maxImage*4/3 + maxTextBody)

	sid := r.URL.Query().Get("session")
	if sid == "" {
		sid = uuid.Must(uuid.NewV7()).String()
	}
	log := s.logger.With("session_id", sessionPrefix+sid)
	log.Info("chat connected", "remote", r.RemoteAddr)

	greeting, _ := render.Command("/start")
	if err := s.writeFrame(conn, Reply{SessionID: sid, Text: greeting}); err != nil {
		return
	}

	for {
		var req AnalyzeRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info("chat closed")
			} else {
				log.Debug("chat read ended", "error", err)
			}
			return
		}

		reply := s.chatTurn(r, sid, req)
		if err := s.writeFrame(conn, reply); err != nil {
			log.Debug("chat write failed", "error", err)
			return
		}
	}
}

func (s *Server) chatTurn(r *http.Request, sid string, req AnalyzeRequest) Reply {
	text := strings.TrimSpace(req.Text)
	if cmd, ok := render.Command(text); ok && req.Image == "" {
		return Reply{SessionID: sid, Text: cmd}
	}

	in := engine.Input{SessionID: sessionPrefix + sid, Kind: analysis.SourceText, Text: text}
	if req.Image != "" {
		data, err := base64.StdEncoding.DecodeString(req.Image)
		if err != nil {
			out := engine.Outcome{Kind: engine.Failed, Error: engine.ErrEmptyInput, Message: "The image could not be decoded."}
			return Reply{SessionID: sid, Outcome: &out, Text: out.Message}
		}
		mt := req.MIMEType
		if mt == "" {
			mt = http.DetectContentType(data)
		}
		in.Kind = analysis.SourceImage
		in.Image = &engine.Image{Data: data, MIMEType: mt}
	}

	s.publish(events.KindMessageReceived, map[string]any{
		"session_id":  in.SessionID,
		"kind":        string(in.Kind),
		"message_len": len(text),
	})
	out := s.engine.Handle(r.Context(), in)

	html, err := render.HTML(out)
	if err != nil {
		s.logger.Warn("HTML rendering failed", "session_id", in.SessionID, "error", err)
	}
	return Reply{SessionID: sid, Outcome: &out, Text: render.Plain(out), HTML: html}
}

func (s *Server) writeFrame(conn *websocket.Conn, v any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}

// handleEvents streams bus events as JSON frames. The optional "source"
// query parameter restricts the stream to one publisher.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("events upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	source := r.URL.Query().Get("source")
	ch := s.bus.Subscribe(eventsBuffer)
	defer s.bus.Unsubscribe(ch)

	// Reading is required to see the client's close frame.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	s.logger.Debug("event stream connected", "remote", r.RemoteAddr, "source", source)
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if source != "" && ev.Source != source {
				continue
			}
			if err := s.writeFrame(conn, ev); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		}
	}
}
