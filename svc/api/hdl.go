package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"snaplink/cfg"
	"snaplink/pkg/domain"
	"snaplink/svc/lim"
	"snaplink/svc/svc"
	"snaplink/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/text/unicode/norm"
)

const bodyOverhead = 4 * 1024

type Hdl struct {
	access *svc.Access
	cfg    *cfg.Cfg
}

type CreateReq struct {
	Content   string `json:"content"`
	MaxViews  int    `json:"maxViews,omitempty"`
	ExpiresIn string `json:"expiresIn,omitempty"`
}

type CreateResp struct {
	ID        string     `json:"id"`
	URL       string     `json:"url"`
	MaxViews  int        `json:"maxViews"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

func (h *Hdl) CreateLink(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	contentType := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "application/json" {
		log.Warn().
			Str("content_type", contentType).
			Str("request_id", requestID).
			Msg("invalid Content-Type header")
		w.WriteHeader(http.StatusUnsupportedMediaType)
		json.NewEncoder(w).Encode(errBody{
			Error:     domain.ErrInvalidRequest.Code,
			Message:   "expected Content-Type: application/json",
			RequestID: requestID,
		})
		return
	}
	if ce := r.Header.Get("Content-Encoding"); ce != "" && ce != "identity" {
		log.Warn().Str("content_encoding", ce).Msg("compressed content not allowed")
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}
	// a \uXXXX escape spends six bytes on one UTF-16 unit
	limit := int64(h.cfg.MaxContentLength)*6 + bodyOverhead
	if cl := r.Header.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || n < 0 {
			log.Warn().Str("content_length", cl).Msg("invalid Content-Length")
			writeErr(w, domain.ErrInvalidRequest, requestID)
			return
		}
		if n > limit {
			log.Warn().Int64("content_length", n).Msg("Content-Length exceeds maximum")
			writeErr(w, domain.ErrContentTooLong, requestID)
			return
		}
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	var req CreateReq
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case err == io.EOF:
			log.Warn().Msg("empty request body")
		case errors.As(err, &tooLarge):
			writeErr(w, domain.ErrContentTooLong, requestID)
			return
		default:
			log.Warn().Err(err).Msg("invalid request")
		}
		writeErr(w, domain.ErrInvalidRequest, requestID)
		return
	}

	res, err := h.access.CreateRecord(r.Context(), domain.CreateParams{
		Content:   sanitizeContent(req.Content),
		MaxViews:  req.MaxViews,
		ExpiresIn: req.ExpiresIn,
	})
	if err != nil {
		if domain.Status(err) < 500 {
			log.Warn().Err(err).Msg("create rejected")
		}
		writeErr(w, err, requestID)
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(CreateResp{
		ID:        res.ID,
		URL:       h.publicURL(r, res.ID),
		MaxViews:  res.MaxViews,
		ExpiresAt: res.ExpiresAt,
	})
}

func (h *Hdl) ConsumeLink(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	res, err := h.access.ConsumeRecord(r.Context(), id, lim.ViewerIdentity(r))
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	if res.Outcome != domain.OutcomeOK {
		if res.Outcome == domain.OutcomeRateLimited {
			w.Header().Set("Retry-After", strconv.Itoa(int(h.access.ViewWindow().Seconds())))
		}
		writeErr(w, res.Outcome.Err(), requestID)
		return
	}
	hlog.FromRequest(r).Info().
		Str("id", util.RedactID(id)).
		Int("remaining_views", res.RemainingViews).
		Bool("burned", res.Burned).
		Msg("link viewed")
	json.NewEncoder(w).Encode(res)
}

func (h *Hdl) LinkMeta(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	res, err := h.access.GetRecordMeta(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err, requestID)
		return
	}
	if res.Outcome != domain.OutcomeOK {
		writeErr(w, res.Outcome.Err(), requestID)
		return
	}
	json.NewEncoder(w).Encode(res.Meta)
}

// HeadLink reports meta through headers only. It never charges a view.
func (h *Hdl) HeadLink(w http.ResponseWriter, r *http.Request) {
	res, err := h.access.GetRecordMeta(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		w.WriteHeader(domain.Status(err))
		return
	}
	if res.Outcome != domain.OutcomeOK {
		w.WriteHeader(domain.Status(res.Outcome.Err()))
		return
	}
	w.Header().Set("X-Remaining-Views", strconv.Itoa(res.Meta.RemainingViews))
	w.Header().Set("X-Max-Views", strconv.Itoa(res.Meta.MaxViews))
	if res.Meta.ExpiresAt != nil {
		w.Header().Set("X-Expires-At", res.Meta.ExpiresAt.UTC().Format(time.RFC3339))
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Hdl) CountLinks(w http.ResponseWriter, r *http.Request) {
	n, err := h.access.Count(r.Context())
	if err != nil {
		writeErr(w, err, util.GetRequestID(r.Context()))
		return
	}
	json.NewEncoder(w).Encode(map[string]int{"count": n})
}

func (h *Hdl) Status(w http.ResponseWriter, r *http.Request) {
	st := h.access.Status(r.Context())
	if st.Storage == "none" || !st.Connected {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(st)
}

func (h *Hdl) ExpiryOptions(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(svc.ExpiryOptions())
}

func (h *Hdl) publicURL(r *http.Request, id string) string {
	base := h.cfg.PublicBaseURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	return base + "/v/" + id
}

// sanitizeContent normalises to NFC and drops invalid UTF-8 and control
// characters other than tab and newlines.
func sanitizeContent(s string) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	s = norm.NFC.String(s)
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == '\t' {
			return r
		}
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
}
