package web

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/platecheck/internal/analysis"
	"github.com/nugget/platecheck/internal/engine"
	"github.com/nugget/platecheck/internal/events"
	"github.com/nugget/platecheck/internal/render"
	"github.com/nugget/platecheck/internal/session"
)

// sessionPrefix namespaces web sessions inside the engine.
const sessionPrefix = "web-"

// maxTextBody bounds request bodies that carry no image.
const maxTextBody = 64 << 10

// AnalyzeRequest is the JSON body of POST /v1/analyze. Image is base64
// encoded; when it is set the request is an image analysis and Text is
// its caption.
type AnalyzeRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Image     string `json:"image,omitempty"`
	MIMEType  string `json:"mime_type,omitempty"`
}

// Reply is the response for every engine endpoint.
type Reply struct {
	SessionID string `json:"session_id"`
	// Outcome is nil for transport commands such as /help.
	Outcome *engine.Outcome `json:"outcome,omitempty"`
	Text    string          `json:"text"`
	HTML    string          `json:"html,omitempty"`
}

// SessionView is the response of GET /v1/sessions/{id}.
type SessionView struct {
	SessionID    string            `json:"session_id"`
	Ready        bool              `json:"ready"`
	Current      *analysis.Result  `json:"current,omitempty"`
	History      []analysis.Result `json:"history"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActiveAt time.Time         `json:"last_active_at"`
}

// handleAnalyze accepts either a JSON [AnalyzeRequest] or a multipart
// form with session_id, text and an "image" file part.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	// base64 inflates by 4/3; leave room for the rest of the body.
	r.Body = http.MaxBytesReader(w, r.Body, s.maxImage*4/3+maxTextBody)

	var req AnalyzeRequest
	var image []byte
	var err error

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data":
		req, image, err = s.parseMultipart(r)
	default:
		req, image, err = parseJSON(r)
	}
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.errorResponse(w, http.StatusRequestEntityTooLarge, engine.UserMessage(engine.ErrInputTooLarge))
			return
		}
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	sid := req.SessionID
	if sid == "" {
		sid = uuid.Must(uuid.NewV7()).String()
	}
	in := engine.Input{
		SessionID: sessionPrefix + sid,
		Kind:      analysis.SourceText,
		Text:      strings.TrimSpace(req.Text),
	}
	if image != nil || req.MIMEType != "" {
		in.Kind = analysis.SourceImage
		in.Image = &engine.Image{Data: image, MIMEType: req.MIMEType}
	}

	if reply, ok := render.Command(in.Text); ok && in.Image == nil {
		writeJSON(w, Reply{SessionID: sid, Text: reply}, s.logger)
		return
	}

	s.publish(events.KindMessageReceived, map[string]any{
		"session_id":  in.SessionID,
		"kind":        string(in.Kind),
		"message_len": len(in.Text),
	})
	out := s.engine.Handle(r.Context(), in)
	s.reply(w, sid, out)
}

func parseJSON(r *http.Request) (AnalyzeRequest, []byte, error) {
	var req AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return req, nil, err
		}
		return req, nil, errors.New("invalid JSON body")
	}
	if req.Image == "" {
		return req, nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(req.Image)
	if err != nil {
		return req, nil, errors.New("image is not valid base64")
	}
	if req.MIMEType == "" {
		req.MIMEType = http.DetectContentType(data)
	}
	return req, data, nil
}

func (s *Server) parseMultipart(r *http.Request) (AnalyzeRequest, []byte, error) {
	if err := r.ParseMultipartForm(s.maxImage + maxTextBody); err != nil {
		return AnalyzeRequest{}, nil, err
	}
	req := AnalyzeRequest{
		SessionID: r.FormValue("session_id"),
		Text:      r.FormValue("text"),
	}

	f, hdr, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return req, nil, nil
	}
	if err != nil {
		return req, nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, s.maxImage+1))
	if err != nil {
		return req, nil, err
	}
	req.MIMEType = hdr.Header.Get("Content-Type")
	if req.MIMEType == "" || req.MIMEType == "application/octet-stream" {
		req.MIMEType = http.DetectContentType(data)
	}
	return req, data, nil
}

func (s *Server) handleSessionReset(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("id")
	s.reply(w, sid, s.engine.Reset(r.Context(), sessionPrefix+sid))
}

func (s *Server) handleSessionFact(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("id")
	s.reply(w, sid, s.engine.Fact(r.Context(), sessionPrefix+sid))
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("id")
	snap, ok := s.engine.Session(sessionPrefix + sid)
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, viewOf(sid, snap), s.logger)
}

func viewOf(sid string, snap session.Session) SessionView {
	history := snap.History
	if history == nil {
		history = []analysis.Result{}
	}
	return SessionView{
		SessionID:    sid,
		Ready:        snap.Ready(),
		Current:      snap.Current,
		History:      history,
		CreatedAt:    snap.CreatedAt,
		LastActiveAt: snap.LastActiveAt,
	}
}

// reply writes an outcome. Failed outcomes are still 200: the request
// was handled and the body explains what the user should do.
func (s *Server) reply(w http.ResponseWriter, sid string, out engine.Outcome) {
	html, err := render.HTML(out)
	if err != nil {
		s.logger.Warn("HTML rendering failed", "session_id", sid, "error", err)
	}
	writeJSON(w, Reply{
		SessionID: sid,
		Outcome:   &out,
		Text:      render.Plain(out),
		HTML:      html,
	}, s.logger)
}
