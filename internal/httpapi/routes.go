package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Ayuan97/rust-bot-sub001/internal/chat"
	"github.com/Ayuan97/rust-bot-sub001/internal/device"
	"github.com/Ayuan97/rust-bot-sub001/internal/metrics"
	"github.com/Ayuan97/rust-bot-sub001/internal/notify"
	"github.com/Ayuan97/rust-bot-sub001/internal/store"
	"github.com/Ayuan97/rust-bot-sub001/internal/transport"
)

type Deps struct {
	Session *transport.Session
	Store   *store.Store
	Chat    *chat.Engine
	Devices *device.Store
	Notify  *notify.Aggregator
	Metrics *metrics.Metrics
}

// SetupRoutes builds the read-only local status API. All writes stay with
// the remote control plane.
func SetupRoutes(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", Healthz(d))
	r.Method(http.MethodGet, "/metrics",
		promhttp.HandlerFor(d.Metrics.Registry(), promhttp.HandlerOpts{}))
	r.Get("/api/servers", ListServers(d))
	r.Get("/api/chat", ActiveChat(d))
	r.Get("/api/devices", ListDevices(d))
	r.Get("/api/notices", ListNotices(d))
	return r
}
