package feed

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/go-go-golems/storysync/pkg/channel"
	"github.com/go-go-golems/storysync/pkg/snapshot"
	"github.com/go-go-golems/storysync/pkg/storystore"
)

const maxPatchBytes = 1 << 20

// Mount registers the websocket feed and the story API on mux.
func (h *Hub) Mount(mux *http.ServeMux, upgrader websocket.Upgrader) {
	mux.HandleFunc("GET /ws", h.NewWSHandler(upgrader))
	mux.HandleFunc("GET /api/stories/{id}", h.handleGetStory)
	mux.HandleFunc("GET /api/stories/{id}/active", h.handleActive)
	mux.HandleFunc("PATCH /api/stories/{id}", h.handlePatchStory)
	mux.HandleFunc("PATCH /api/stories/{id}/segments/{segID}", h.handlePatchSegment)
	mux.HandleFunc("DELETE /api/stories/{id}/segments/{segID}", h.handleDeleteSegment)
}

// NewWSHandler subscribes a websocket to one story. Unknown stories get a
// rejected frame and are closed.
func (h *Hub) NewWSHandler(upgrader websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		storyID := strings.TrimSpace(req.URL.Query().Get("story_id"))
		if storyID == "" {
			http.Error(w, "missing story_id", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		wsLog := h.log.With().Str("remote", conn.RemoteAddr().String()).Str("story_id", storyID).Logger()

		if _, err := h.store.Fetch(req.Context(), storyID); err != nil {
			reason := "unavailable"
			if errors.Is(err, storystore.ErrNotFound) {
				reason = "unknown story"
			}
			wsLog.Info().Err(err).Msg("ws subscription rejected")
			_ = conn.WriteMessage(websocket.TextMessage, h.frame(channel.Frame{Type: channel.FrameRejected, ResourceID: storyID, Reason: reason}))
			_ = conn.Close()
			return
		}

		pool := h.pool(storyID)
		pool.Add(conn, h.frame(channel.Frame{Type: channel.FrameSubscribed, ResourceID: storyID}))
		wsLog.Info().Int("subscribers", pool.Count()).Msg("ws subscribed")

		go func() {
			defer pool.Remove(conn)
			defer wsLog.Info().Msg("ws disconnected")
			for {
				msgType, data, err := conn.ReadMessage()
				if err != nil {
					wsLog.Debug().Err(err).Msg("ws read loop end")
					return
				}
				if msgType == websocket.TextMessage && isPing(data) {
					pool.SendToOne(conn, h.frame(channel.Frame{Type: channel.FramePong, ResourceID: storyID}))
				}
			}
		}()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Hub) storeError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, storystore.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	h.log.Error().Err(err).Msg(msg)
	http.Error(w, msg, http.StatusInternalServerError)
}

func (h *Hub) handleGetStory(w http.ResponseWriter, req *http.Request) {
	st, err := h.store.Fetch(req.Context(), req.PathValue("id"))
	if err != nil {
		h.storeError(w, err, "story fetch failed")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Hub) handleActive(w http.ResponseWriter, req *http.Request) {
	active, err := h.store.ActiveGeneration(req.Context(), req.PathValue("id"))
	if err != nil {
		h.storeError(w, err, "active generation lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"active": active})
}

func decodePatch(w http.ResponseWriter, req *http.Request) (snapshot.Snapshot, bool) {
	var fields snapshot.Snapshot
	dec := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxPatchBytes))
	if err := dec.Decode(&fields); err != nil || len(fields) == 0 {
		http.Error(w, "body must be a non-empty JSON object", http.StatusBadRequest)
		return nil, false
	}
	return fields, true
}

func (h *Hub) handlePatchStory(w http.ResponseWriter, req *http.Request) {
	fields, ok := decodePatch(w, req)
	if !ok {
		return
	}
	row, err := h.PatchStory(req.Context(), req.PathValue("id"), fields)
	if err != nil {
		h.storeError(w, err, "story patch failed")
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (h *Hub) handlePatchSegment(w http.ResponseWriter, req *http.Request) {
	fields, ok := decodePatch(w, req)
	if !ok {
		return
	}
	row, err := h.PatchSegment(req.Context(), req.PathValue("id"), req.PathValue("segID"), fields)
	if err != nil {
		h.storeError(w, err, "segment patch failed")
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (h *Hub) handleDeleteSegment(w http.ResponseWriter, req *http.Request) {
	deleted, err := h.DeleteSegment(req.Context(), req.PathValue("id"), req.PathValue("segID"))
	if err != nil {
		h.storeError(w, err, "segment delete failed")
		return
	}
	if !deleted {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
