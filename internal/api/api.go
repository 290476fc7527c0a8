package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/netip"
	"time"

	"github.com/hostinger/ndsnoop/internal/icmp6"
	"github.com/hostinger/ndsnoop/internal/logger"
	"github.com/hostinger/ndsnoop/internal/metrics"
	"github.com/hostinger/ndsnoop/internal/neighbor"
)

const statusTimeout = 2 * time.Second

// Prober is the part of the ND engine the API talks to.
type Prober interface {
	Status(ctx context.Context) (icmp6.Status, error)
	RequestSolicitation(target netip.Addr)
}

type API struct {
	NM     *neighbor.NeighborManager
	Prober Prober
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

type NeighborView struct {
	IP           string    `json:"ip"`
	LinkIndex    int       `json:"link_index"`
	HardwareAddr string    `json:"hwAddr"`
	Afi          string    `json:"afi"`
	LastSeen     time.Time `json:"last_seen"`
}

func (a *API) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/neighbors", a.ListNeighborsHandler)
	mux.HandleFunc("/interface", a.InterfaceHandler)
	mux.HandleFunc("/solicit", a.SolicitHandler)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func (a *API) ListNeighborsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET is supported")
		return
	}

	neighbors := a.NM.ListNeighbors()
	output := make([]NeighborView, 0, len(neighbors))
	for _, n := range neighbors {
		afi := "ipv6"
		if n.IP.To4() != nil {
			afi = "ipv4"
		}
		output = append(output, NeighborView{
			IP:           n.IP.String(),
			LinkIndex:    n.LinkIndex,
			HardwareAddr: n.HardwareAddr.String(),
			Afi:          afi,
			LastSeen:     n.LastSeen,
		})
	}

	writeJSONResponse(w, map[string]interface{}{
		"neighbors": output,
		"count":     len(output),
		"timestamp": time.Now(),
	})
}

func (a *API) InterfaceHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET is supported")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), statusTimeout)
	defer cancel()

	status, err := a.Prober.Status(ctx)
	if err != nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, "unavailable", "ND engine did not answer: "+err.Error())
		return
	}
	writeJSONResponse(w, status)
}

func (a *API) SolicitHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only POST is supported")
		return
	}

	addr, err := netip.ParseAddr(r.URL.Query().Get("address"))
	if err != nil || !addr.Is6() || addr.Is4In6() {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_address", "address must be an IPv6 address")
		return
	}

	logger.Debug("[API] Solicitation for %s requested", addr)
	a.Prober.RequestSolicitation(addr)

	w.WriteHeader(http.StatusAccepted)
	writeJSONResponse(w, map[string]string{"address": addr.String(), "status": "queued"})
}

func writeJSONResponse(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("[API] Failed to encode response: %v", err)
	}
}

func writeErrorResponse(w http.ResponseWriter, code int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(ErrorResponse{Error: errType, Message: message, Code: code}); err != nil {
		logger.Error("[API] Failed to encode error response: %v", err)
	}
}
