// Package api provides the HTTP handlers of the bot: a keep-alive root for
// hosting platforms that ping the process, and a read-only JSON API over
// subscriber state and the latest indicator snapshot.
package api

import (
	"math"
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"signalbot/internal/logger"
	"signalbot/internal/model"
	"signalbot/internal/store"
)

// AliveMessage is served on "/".
const AliveMessage = "signalbot is alive"

const defaultHistoryLimit = 50

// Monitor is the part of the orchestrator the API reads.
type Monitor interface {
	LastSnapshot() (model.Snapshot, time.Time, bool)
	Cycles() int
}

type handler struct {
	store *store.StateStore
	mon   Monitor
	log   *zap.Logger
}

// NewRouter sets up HTTP routes for the API server. mon may be nil when the
// process only serves state (no monitor running).
func NewRouter(st *store.StateStore, mon Monitor, log *zap.Logger) *http.ServeMux {
	h := &handler{store: st, mon: mon, log: logger.OrNop(log).With(zap.String("component", "api"))}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(AliveMessage))
	})
	mux.HandleFunc("GET /api/v1/health", h.health)
	mux.HandleFunc("GET /api/v1/subscribers", h.subscribers)
	mux.HandleFunc("GET /api/v1/subscribers/{id}", h.subscriber)
	mux.HandleFunc("GET /api/v1/subscribers/{id}/history", h.history)
	mux.HandleFunc("GET /api/v1/snapshot", h.snapshot)

	return mux
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if h.mon != nil {
		body["cycles"] = h.mon.Cycles()
	}
	h.writeJSON(w, http.StatusOK, body)
}

// SubscriberView is one subscriber as served by the API.
type SubscriberView struct {
	ChatID         int64   `json:"chat_id"`
	ReferencePrice float64 `json:"reference_price"`
	Subscribed     bool    `json:"subscribed"`
}

func (h *handler) subscribers(w http.ResponseWriter, r *http.Request) {
	ids := h.store.ListSubscribers(r.Context())
	out := make([]SubscriberView, 0, len(ids))
	for _, id := range ids {
		out = append(out, SubscriberView{
			ChatID:         id,
			ReferencePrice: h.store.GetReferencePrice(r.Context(), id),
			Subscribed:     true,
		})
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *handler) subscriber(w http.ResponseWriter, r *http.Request) {
	id, ok := h.chatID(w, r)
	if !ok {
		return
	}
	subscribed := false
	for _, s := range h.store.ListSubscribers(r.Context()) {
		if s == id {
			subscribed = true
			break
		}
	}
	h.writeJSON(w, http.StatusOK, SubscriberView{
		ChatID:         id,
		ReferencePrice: h.store.GetReferencePrice(r.Context(), id),
		Subscribed:     subscribed,
	})
}

func (h *handler) history(w http.ResponseWriter, r *http.Request) {
	id, ok := h.chatID(w, r)
	if !ok {
		return
	}
	limit := defaultHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries, err := h.store.History(r.Context(), id, limit)
	if err != nil {
		h.log.Error("history read failed", zap.Int64("chat_id", id), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if entries == nil {
		entries = []model.HistoryEntry{}
	}
	h.writeJSON(w, http.StatusOK, entries)
}

type snapshotView struct {
	At         time.Time `json:"at"`
	Time       time.Time `json:"time"`
	Close      *float64  `json:"close"`
	SMAFast    *float64  `json:"sma_fast"`
	SMASlow    *float64  `json:"sma_slow"`
	RSI        *float64  `json:"rsi"`
	MACD       *float64  `json:"macd"`
	MACDSignal *float64  `json:"macd_signal"`
	BBHigh     *float64  `json:"bb_high"`
	BBMid      *float64  `json:"bb_mid"`
	BBLow      *float64  `json:"bb_low"`
}

// num maps NaN to null.
func num(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func (h *handler) snapshot(w http.ResponseWriter, r *http.Request) {
	if h.mon == nil {
		h.writeError(w, http.StatusNotFound, "monitor not running")
		return
	}
	s, at, ok := h.mon.LastSnapshot()
	if !ok {
		h.writeError(w, http.StatusNotFound, "no cycle has completed yet")
		return
	}
	h.writeJSON(w, http.StatusOK, snapshotView{
		At:         at,
		Time:       s.Time,
		Close:      num(s.Close),
		SMAFast:    num(s.SMAFast),
		SMASlow:    num(s.SMASlow),
		RSI:        num(s.RSI),
		MACD:       num(s.MACD),
		MACDSignal: num(s.MACDSignal),
		BBHigh:     num(s.BBHigh),
		BBMid:      num(s.BBMid),
		BBLow:      num(s.BBLow),
	})
}

func (h *handler) chatID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "chat id must be an integer")
		return 0, false
	}
	return id, true
}

func (h *handler) writeError(w http.ResponseWriter, code int, msg string) {
	h.writeJSON(w, code, map[string]string{"error": msg})
}

func (h *handler) writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		h.log.Error("encode response", zap.Error(err))
		http.Error(w, "encode failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(b)
}
