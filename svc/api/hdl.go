package api

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"pingnote/cfg"
	"pingnote/pkg/domain"
	"pingnote/svc/live"
	"pingnote/svc/svc"
	"pingnote/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
)

const defaultHeartbeat = 25 * time.Second

type Hdl struct {
	note *svc.Note
	cfg  *cfg.Cfg
}

type CreateReq struct {
	Text       string `json:"text"`
	TTLSeconds int64  `json:"ttlSeconds"`
	OneTime    bool   `json:"oneTime"`
	E2EE       bool   `json:"e2ee"`
	LiveMode   bool   `json:"liveMode"`
	Ciphertext []byte `json:"ciphertext,omitempty"`
	IV         []byte `json:"iv,omitempty"`
}

type CreateResp struct {
	Token     string `json:"token"`
	ShortCode string `json:"shortCode"`
	ExpiresAt int64  `json:"expiresAt"`
	URL       string `json:"url"`
	ShortURL  string `json:"shortUrl"`
}

type NoteResp struct {
	E2EE      bool               `json:"e2ee"`
	OneTime   bool               `json:"oneTime"`
	LiveMode  bool               `json:"liveMode"`
	ExpiresAt int64              `json:"expiresAt"`
	ViewCount int                `json:"viewCount"`
	Payload   domain.NotePayload `json:"payload"`
}

type LiveReq struct {
	Text       *string `json:"text,omitempty"`
	Ciphertext []byte  `json:"ciphertext,omitempty"`
	IV         []byte  `json:"iv,omitempty"`
}

type Preset struct {
	Label   string `json:"label"`
	Seconds int64  `json:"seconds"`
}

type PresetsResp struct {
	Presets        []Preset `json:"presets"`
	DefaultSeconds int64    `json:"defaultSeconds"`
	MaxSeconds     int64    `json:"maxSeconds"`
}

func (h *Hdl) bodyLimit() int64 {
	// e2ee payloads arrive base64 encoded; leave room for that and the envelope
	return int64(h.cfg.MaxTextLength)*8 + 64*1024
}

func (h *Hdl) decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		return errUnsupportedMedia
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.bodyLimit())
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return domain.ErrContentTooLarge
		}
		if err == io.EOF {
			return errors.Wrap(domain.ErrInvalidRequest, "empty body")
		}
		return errors.Wrap(domain.ErrInvalidRequest, err.Error())
	}
	return nil
}

var errUnsupportedMedia = domain.NewErr("UNSUPPORTED_MEDIA_TYPE", "expected Content-Type: application/json", http.StatusUnsupportedMediaType)

func (h *Hdl) CreateNote(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	var req CreateReq
	if err := h.decodeJSON(w, r, &req); err != nil {
		log.Warn().Err(err).Str("request_id", requestID).Msg("invalid create request")
		writeErr(w, err, requestID)
		return
	}
	res, err := h.note.Create(r.Context(), svc.CreateParams{
		Text:       req.Text,
		TTL:        time.Duration(req.TTLSeconds) * time.Second,
		OneTime:    req.OneTime,
		E2EE:       req.E2EE,
		LiveMode:   req.LiveMode,
		Ciphertext: req.Ciphertext,
		IV:         req.IV,
	})
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	base := h.baseURL(r)
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(CreateResp{
		Token:     res.Token,
		ShortCode: res.ShortCode,
		ExpiresAt: res.ExpiresAt.UnixMilli(),
		URL:       base + "/n/" + res.Token,
		ShortURL:  base + "/c/" + res.ShortCode,
	})
}

func (h *Hdl) GetNote(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	token := chi.URLParam(r, "token")
	peek := r.URL.Query().Get("peek") == "true"
	n, err := h.note.Get(r.Context(), token, peek)
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(NoteResp{
		E2EE:      n.E2EE,
		OneTime:   n.OneTime,
		LiveMode:  n.LiveMode,
		ExpiresAt: n.ExpiresAt.UnixMilli(),
		ViewCount: n.ViewCount,
		Payload:   n.Payload,
	})
}

func (h *Hdl) DeleteNote(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	token := chi.URLParam(r, "token")
	if err := h.note.Delete(r.Context(), token); err != nil {
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"message": "note deleted",
	})
}

func (h *Hdl) ResolveCode(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	token, err := h.note.ResolveCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

func (h *Hdl) UpdateLive(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	token := chi.URLParam(r, "token")
	var req LiveReq
	if err := h.decodeJSON(w, r, &req); err != nil {
		writeErr(w, err, requestID)
		return
	}
	delivered, err := h.note.UpdateLive(r.Context(), token, svc.LiveUpdate{
		Text:       req.Text,
		Ciphertext: req.Ciphertext,
		IV:         req.IV,
	})
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ok":        true,
		"delivered": delivered,
	})
}

// StreamLive serves a live note as server-sent events until the client
// goes away, the note's feed is closed or the server shuts down.
func (h *Hdl) StreamLive(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	token := chi.URLParam(r, "token")
	sub, err := h.note.Subscribe(r.Context(), token)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		writeErr(w, err, requestID)
		return
	}
	defer sub.Close()

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		util.Warn().Err(err).Str("request_id", requestID).Msg("could not lift write deadline")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	log := util.Component("live")
	log.Debug().Str("token", util.RedactToken(token)).Str("request_id", requestID).Msg("live viewer connected")
	defer log.Debug().Str("token", util.RedactToken(token)).Str("request_id", requestID).Msg("live viewer disconnected")

	if err := writeEvent(w, rc, live.NewEvent(live.EventConnected, nil)); err != nil {
		return
	}
	interval := h.cfg.LiveHeartbeat
	if interval <= 0 {
		interval = defaultHeartbeat
	}
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if err := writeEvent(w, rc, ev); err != nil {
				return
			}
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func writeEvent(w io.Writer, rc *http.ResponseController, ev live.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return rc.Flush()
}

func (h *Hdl) GetPresets(w http.ResponseWriter, r *http.Request) {
	resp := PresetsResp{
		Presets:        make([]Preset, 0, len(h.cfg.TTLPresets)),
		DefaultSeconds: int64(h.cfg.DefaultTTL / time.Second),
		MaxSeconds:     int64(h.cfg.MaxTTL / time.Second),
	}
	for _, d := range h.cfg.TTLPresets {
		resp.Presets = append(resp.Presets, Preset{Label: presetLabel(d), Seconds: int64(d / time.Second)})
	}
	json.NewEncoder(w).Encode(resp)
}

func presetLabel(d time.Duration) string {
	switch {
	case d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d%time.Minute == 0:
		return fmt.Sprintf("%dmin", d/time.Minute)
	}
	return d.String()
}

func (h *Hdl) baseURL(r *http.Request) string {
	if h.cfg.BaseURL != "" {
		return h.cfg.BaseURL
	}
	proto := r.Header.Get("X-Forwarded-Proto")
	if proto == "" {
		proto = "http"
		if r.TLS != nil {
			proto = "https"
		}
	}
	return proto + "://" + r.Host
}

func writeErr(w http.ResponseWriter, err error, requestID string) {
	statusCode := domain.Status(err)
	if errors.Is(err, svc.ErrShuttingDown) {
		statusCode = http.StatusServiceUnavailable
	}
	resp := domain.ToResp(err).Error
	body := map[string]string{
		"error":      resp.Msg,
		"code":       resp.Code,
		"request_id": requestID,
	}
	if statusCode >= 500 {
		body["error"] = "internal server error"
		body["code"] = domain.ErrInternalServer.Code
		if statusCode == http.StatusServiceUnavailable {
			body["error"] = "service unavailable"
		}
		util.Error().
			Err(err).
			Str("request_id", requestID).
			Msg("internal error with detailed info")
	}
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}
