package httptransport

import (
	"net/http"
	"strconv"
	"time"

	"slice-duel/internal/room"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	qrcode "github.com/skip2/go-qrcode"
)

const (
	defaultQRSize = 256
	maxQRSize     = 1024
)

type RoomHandlers struct {
	rooms      *room.Service
	shareBase  string
	staleAfter time.Duration
}

func NewRoomHandlers(rooms *room.Service, shareBase string, staleAfter time.Duration) *RoomHandlers {
	return &RoomHandlers{rooms: rooms, shareBase: shareBase, staleAfter: staleAfter}
}

// lookup resolves the {code} URL parameter to its waiting session and share URL.
func (h *RoomHandlers) lookup(w http.ResponseWriter, r *http.Request) (*room.Session, string, bool) {
	sess, err := h.rooms.FindByCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		status, code := MapStoreError(err)
		WriteHTTPError(w, status, code)
		return nil, "", false
	}
	link, err := room.ShareURL(h.shareBase, sess.Code)
	if err != nil {
		log.Error().Err(err).Str("base", h.shareBase).Msg("build share url failed")
		WriteHTTPError(w, http.StatusInternalServerError, "internal_error")
		return nil, "", false
	}
	return sess, link, true
}

func (h *RoomHandlers) Share() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, link, ok := h.lookup(w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"code":       sess.Code,
			"session_id": sess.ID,
			"url":        link,
		})
	}
}

// QR renders the share URL for a waiting session as a PNG.
func (h *RoomHandlers) QR() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		size := defaultQRSize
		if v := r.URL.Query().Get("size"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 64 || n > maxQRSize {
				WriteHTTPError(w, http.StatusBadRequest, "invalid_size")
				return
			}
			size = n
		}
		_, link, ok := h.lookup(w, r)
		if !ok {
			return
		}
		png, err := qrcode.Encode(link, qrcode.Medium, size)
		if err != nil {
			log.Error().Err(err).Msg("qr encode failed")
			WriteHTTPError(w, http.StatusInternalServerError, "internal_error")
			return
		}
		metricQRRenderTotal.Add(1)
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(png)
	}
}

func (h *RoomHandlers) Sweep() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		olderThan := h.staleAfter
		if v := r.URL.Query().Get("older_than"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				WriteHTTPError(w, http.StatusBadRequest, "invalid_request")
				return
			}
			olderThan = d
		}
		removed, err := h.rooms.SweepStale(r.Context(), olderThan)
		if err != nil {
			status, code := MapStoreError(err)
			WriteHTTPError(w, status, code)
			return
		}
		RecordSweep(removed)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "removed": removed})
	}
}
