package httptransport

import (
	"encoding/json"
	"net/http"

	"slice-duel/internal/docstore"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

const maxBodyBytes = 256 << 10

// StoreHandlers expose docstore.Store over REST for docstore.Remote.
type StoreHandlers struct {
	store docstore.Store
}

func NewStoreHandlers(st docstore.Store) *StoreHandlers {
	return &StoreHandlers{store: st}
}

func storePath(r *http.Request) string {
	return chi.URLParam(r, "*")
}

func (h *StoreHandlers) Get() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metricStoreReadTotal.Add(1)
		snap, err := h.store.Get(r.Context(), storePath(r))
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, docstore.GetResponse{Exists: snap.Exists, Value: snap.Value})
	}
}

func (h *StoreHandlers) Put() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metricStoreWriteTotal.Add(1)
		var value json.RawMessage
		if !decodeBody(w, r, &value) {
			return
		}
		var err error
		if isNull(value) {
			err = h.store.Delete(r.Context(), storePath(r))
		} else {
			err = h.store.Set(r.Context(), storePath(r), value)
		}
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *StoreHandlers) Patch() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metricStoreWriteTotal.Add(1)
		var raw map[string]json.RawMessage
		if !decodeBody(w, r, &raw) {
			return
		}
		fields := make(map[string]any, len(raw))
		for k, v := range raw {
			if isNull(v) {
				fields[k] = nil
				continue
			}
			fields[k] = v
		}
		if err := h.store.Update(r.Context(), storePath(r), fields); err != nil {
			writeStoreError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *StoreHandlers) Delete() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metricStoreWriteTotal.Add(1)
		if err := h.store.Delete(r.Context(), storePath(r)); err != nil {
			writeStoreError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *StoreHandlers) Push() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metricStoreWriteTotal.Add(1)
		var value json.RawMessage
		if !decodeBody(w, r, &value) {
			return
		}
		if isNull(value) {
			WriteHTTPError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		key, err := h.store.Push(r.Context(), storePath(r), value)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, docstore.PushResponse{Key: key})
	}
}

// Query answers GET /api/query/{path}?child=field&equals=<json>.
func (h *StoreHandlers) Query() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		metricQueryTotal.Add(1)
		q := r.URL.Query()
		child := q.Get("child")
		if child == "" || !q.Has("equals") {
			WriteHTTPError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		var want any
		if err := json.Unmarshal([]byte(q.Get("equals")), &want); err != nil {
			WriteHTTPError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		items, err := h.store.QueryEqual(r.Context(), storePath(r), child, want)
		if err != nil {
			writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, docstore.QueryResponse{Items: items})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		WriteHTTPError(w, http.StatusBadRequest, "invalid_json")
		return false
	}
	return true
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	metricStoreErrorsTotal.Add(1)
	status, code := MapStoreError(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", storePath(r)).Str("method", r.Method).Msg("store request failed")
	}
	WriteHTTPError(w, status, code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
