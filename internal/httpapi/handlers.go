package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/Ayuan97/rust-bot-sub001/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func Healthz(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, struct {
			Status     string `json:"status"`
			Connection string `json:"connection"`
		}{Status: "ok", Connection: d.Session.State().String()})
	}
}

// serverView hides credentials from the status surface.
type serverView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Address   string `json:"address"`
	Connected bool   `json:"connected"`
	Active    bool   `json:"active"`
}

func ListServers(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reply := make(chan store.View, 1)
		d.Store.Inbox() <- store.GetView{Reply: reply}
		select {
		case v := <-reply:
			out := make([]serverView, 0, len(v.Targets))
			for _, t := range v.Targets {
				out = append(out, serverView{
					ID:        t.ID,
					Name:      t.Name,
					Address:   t.Address,
					Connected: t.Connected,
					Active:    t.ID == v.ActiveID,
				})
			}
			writeJSON(w, http.StatusOK, out)
		case <-time.After(2 * time.Second):
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		}
	}
}

func ActiveChat(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		active := d.Store.Active().Load()
		if active == "" {
			http.Error(w, "no active server", http.StatusNotFound)
			return
		}
		v := d.Chat.View(active)
		writeJSON(w, http.StatusOK, struct {
			ServerID string `json:"serverId"`
			Phase    string `json:"phase"`
			Unread   int    `json:"unread"`
			Log      any    `json:"log"`
		}{ServerID: active, Phase: v.Phase, Unread: v.Unread, Log: v.Log})
	}
}

func ListDevices(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.Devices.All())
	}
}

func ListNotices(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.Notify.Active())
	}
}
