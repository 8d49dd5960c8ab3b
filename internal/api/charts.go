package api

import (
	"fmt"
	"mime"
	"net/http"
	"path"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/dataroom/internal/domain"
	"github.com/ashureev/dataroom/internal/session"
)

const captionPromptRunes = 20

// GalleryItem is one chart in the analysis history sidebar.
type GalleryItem struct {
	Name          string `json:"name"`
	Caption       string `json:"caption"`
	TriggerPrompt string `json:"trigger_prompt"`
	MessageID     string `json:"message_id"`
	URL           string `json:"url"`
}

// Gallery lists cached charts newest message first, captioned
// "Visual <n>_<i>: <prompt prefix>...".
func Gallery(messages []domain.Message, cache *session.ImageCache) []GalleryItem {
	var visuals []domain.Message
	for _, m := range messages {
		if len(m.Images) > 0 {
			visuals = append(visuals, m)
		}
	}

	items := []GalleryItem{}
	for i := len(visuals) - 1; i >= 0; i-- {
		m := visuals[i]
		prompt := m.TriggerPrompt
		if prompt == "" {
			prompt = "Unknown"
		}
		for idx, name := range m.Images {
			if _, ok := cache.Get(name); !ok {
				continue
			}
			items = append(items, GalleryItem{
				Name:          name,
				Caption:       fmt.Sprintf("Visual %d_%d: %s...", i+1, idx, truncateRunes(prompt, captionPromptRunes)),
				TriggerPrompt: prompt,
				MessageID:     m.ID,
				URL:           "/api/charts/" + name,
			})
		}
	}
	return items
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Charts returns the session's chart gallery.
func (h *RoomHandler) Charts(w http.ResponseWriter, r *http.Request) {
	st := h.state(r)
	JSON(w, http.StatusOK, map[string]any{"charts": Gallery(st.Messages(), st.Images)})
}

// Chart serves cached chart bytes. Downloads are the default; ?inline=1
// lets the UI embed the image.
func (h *RoomHandler) Chart(w http.ResponseWriter, r *http.Request) {
	name := path.Base(chi.URLParam(r, "name"))
	data, ok := h.state(r).Images.Get(name)
	if !ok {
		Error(w, http.StatusNotFound, "chart not found")
		return
	}

	disposition := "attachment"
	if r.URL.Query().Get("inline") == "1" {
		disposition = "inline"
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": name}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
