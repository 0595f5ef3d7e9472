// Package http exposes the exchange engine as a public REST surface, plus a
// server-sent event stream of committed transitions.
package http

import (
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	json "github.com/nikkolasg/hexjson"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairmail/fairmail/api"
	"github.com/fairmail/fairmail/exchange/engine"
	errs "github.com/fairmail/fairmail/exchange/errors"
	"github.com/fairmail/fairmail/exchange/ledger"
	"github.com/fairmail/fairmail/log"
	"github.com/fairmail/fairmail/metrics"
)

// watchBuffer bounds the per-subscriber event queue. A subscriber that falls
// further behind loses events; the stream is advisory.
const watchBuffer = 32

// Config holds what the server serves.
type Config struct {
	Engine *engine.Engine
	// Bank enables the balances endpoints when the daemon settles in memory.
	Bank    *ledger.MemoryBank
	Version string
	Storage string
	Logger  log.Logger
}

type handler struct {
	eng     *engine.Engine
	bank    *ledger.MemoryBank
	version string
	storage string
	log     log.Logger
}

// New creates an HTTP handler for the public fairmail API.
func New(conf *Config) (http.Handler, error) {
	if conf == nil || conf.Engine == nil {
		return nil, errors.New("http: an engine is required")
	}
	l := conf.Logger
	if l == nil {
		l = log.DefaultLogger()
	}
	h := &handler{
		eng:     conf.Engine,
		bank:    conf.Bank,
		version: conf.Version,
		storage: conf.Storage,
		log:     l.Named("http"),
	}

	mux := chi.NewRouter()
	mux.Get("/health", h.Health)
	mux.Route("/v1", func(r chi.Router) {
		r.Post("/entries", h.Create)
		r.Route("/entries/{pid}", func(r chi.Router) {
			r.Get("/", h.GetEntry)
			r.Get("/status", h.Status)
			r.Post("/dispute", h.Dispute)
			r.Post("/finalize", h.Finalize)
		})
		r.Get("/ledger", h.Ledger)
		r.Get("/balances", h.Balances)
		r.Get("/balances/{addr}", h.Balance)
		r.Get("/watch", h.Watch)
		r.Get("/info", h.Info)
	})

	instrumented := promhttp.InstrumentHandlerCounter(
		metrics.HTTPCallCounter,
		promhttp.InstrumentHandlerDuration(
			metrics.HTTPLatency,
			promhttp.InstrumentHandlerInFlight(metrics.HTTPInFlight, mux)))

	return handlers.CompressHandler(instrumented), nil
}

func (h *handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, map[string]int64{"now": h.eng.Now()})
}

func (h *handler) Info(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, &api.InfoResponse{
		Version: h.version,
		Storage: h.storage,
		Now:     h.eng.Now(),
	})
}

func (h *handler) Create(w http.ResponseWriter, r *http.Request) {
	var req api.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	entry, err := h.eng.Create(r.Context(), req.Engine())
	if err != nil {
		h.reject(w, r, "create", err)
		return
	}
	metrics.TransitionCounter.WithLabelValues("create").Inc()
	h.writeJSON(w, r, http.StatusCreated, entry)
}

func (h *handler) Dispute(w http.ResponseWriter, r *http.Request) {
	pid, ok := h.pidParam(w, r)
	if !ok {
		return
	}
	var req api.DisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	entry, err := h.eng.Dispute(r.Context(), &engine.DisputeRequest{
		PID:         pid,
		SenderSig:   req.SenderSig,
		ReceiverSig: req.ReceiverSig,
	})
	if err != nil {
		h.reject(w, r, "dispute", err)
		return
	}
	metrics.TransitionCounter.WithLabelValues("dispute").Inc()
	h.writeJSON(w, r, http.StatusOK, entry)
}

func (h *handler) Finalize(w http.ResponseWriter, r *http.Request) {
	pid, ok := h.pidParam(w, r)
	if !ok {
		return
	}
	var req api.FinalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	entry, err := h.eng.Finalize(r.Context(), &engine.FinalizeRequest{
		PID:       pid,
		Key:       req.Key,
		Blind:     req.Blind,
		Receipt:   req.Receipt,
		SenderSig: req.SenderSig,
	})
	if err != nil {
		h.reject(w, r, "finalize", err)
		return
	}
	metrics.TransitionCounter.WithLabelValues("finalize").Inc()
	h.writeJSON(w, r, http.StatusOK, entry)
}

func (h *handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	pid, ok := h.pidParam(w, r)
	if !ok {
		return
	}
	entry, err := h.eng.Get(r.Context(), pid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, entry)
}

func (h *handler) Status(w http.ResponseWriter, r *http.Request) {
	pid, ok := h.pidParam(w, r)
	if !ok {
		return
	}
	status, err := h.eng.Status(r.Context(), pid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, &api.StatusResponse{
		PID:    pid,
		Status: status.String(),
		Now:    h.eng.Now(),
	})
}

func (h *handler) Ledger(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, &api.LedgerResponse{
		Held: h.eng.Book().Held().ToBig().String(),
		Now:  h.eng.Now(),
	})
}

func (h *handler) Balances(w http.ResponseWriter, r *http.Request) {
	if h.bank == nil {
		h.writeError(w, r, errs.ErrEntryNotFound)
		return
	}
	all := h.bank.Balances()
	out := make([]api.Balance, 0, len(all))
	for addr, amount := range all {
		out = append(out, api.Balance{Address: addr, Amount: amount.ToBig().String()})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address.Hex() < out[j].Address.Hex()
	})
	h.writeJSON(w, r, http.StatusOK, out)
}

func (h *handler) Balance(w http.ResponseWriter, r *http.Request) {
	if h.bank == nil {
		h.writeError(w, r, errs.ErrEntryNotFound)
		return
	}
	param := chi.URLParam(r, "addr")
	if !common.IsHexAddress(param) {
		h.badRequest(w, r, fmt.Errorf("invalid address %q", param))
		return
	}
	addr := common.HexToAddress(param)
	h.writeJSON(w, r, http.StatusOK, &api.Balance{
		Address: addr,
		Amount:  h.bank.Balance(addr).ToBig().String(),
	})
}

// Watch streams committed transitions as server-sent events until the client
// goes away.
func (h *handler) Watch(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// subscribe before the 200 goes out, so a client that saw the header
	// misses nothing
	sub := uuid.New().String()
	events := make(chan engine.Event, watchBuffer)
	h.eng.AddCallback(sub, func(ev engine.Event) {
		select {
		case events <- ev:
		default:
			h.log.Warnw("", "http", "watch subscriber lagging", "sub", sub)
		}
	})
	defer h.eng.RemoveCallback(sub)
	h.log.Debugw("", "http", "watch subscribed", "sub", sub, "remote", r.RemoteAddr)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			h.log.Debugw("", "http", "watch closed", "sub", sub)
			return
		case ev := <-events:
			buff, err := json.Marshal(api.EventFrom(ev))
			if err != nil {
				h.log.Errorw("", "http", "watch marshal", "err", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, buff)
			flusher.Flush()
		}
	}
}

func (h *handler) pidParam(w http.ResponseWriter, r *http.Request) (common.Hash, bool) {
	param := chi.URLParam(r, "pid")
	buff, err := hexutil.Decode(param)
	if err != nil || len(buff) != common.HashLength {
		h.badRequest(w, r, fmt.Errorf("invalid pid %q", param))
		return common.Hash{}, false
	}
	return common.BytesToHash(buff), true
}

func (h *handler) writeJSON(w http.ResponseWriter, r *http.Request, code int, v interface{}) {
	buff, err := json.Marshal(v)
	if err != nil {
		h.log.Errorw("", "http", "marshal response", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(buff)
	h.log.Debugw("", "http", r.URL.Path, "status", code, "remote", r.RemoteAddr)
}

func (h *handler) badRequest(w http.ResponseWriter, r *http.Request, err error) {
	h.log.Warnw("", "http", r.URL.Path, "status", http.StatusBadRequest, "err", err)
	h.writeJSON(w, r, http.StatusBadRequest, &api.ErrorResponse{Error: err.Error()})
}

// reject reports a refused transition, counting it per operation and reason.
func (h *handler) reject(w http.ResponseWriter, r *http.Request, op string, err error) {
	var perr *errs.Error
	if errors.As(err, &perr) {
		metrics.RejectCounter.WithLabelValues(op, perr.Reason).Inc()
	}
	h.writeError(w, r, err)
}

func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	resp := &api.ErrorResponse{Error: err.Error()}

	var perr *errs.Error
	if errors.As(err, &perr) {
		code = statusOf(perr)
		resp.Error = perr.Reason
		resp.Category = perr.Category.String()
	}
	h.log.Warnw("", "http", r.URL.Path, "status", code, "err", err)
	h.writeJSON(w, r, code, resp)
}

// statusOf maps a protocol rejection onto an HTTP status. Temporal and
// structural conflicts are 409s, identity failures 403s; the handful of
// conditions that read more precisely get their own code.
func statusOf(perr *errs.Error) int {
	switch perr {
	case errs.ErrEntryNotFound:
		return http.StatusNotFound
	case errs.ErrPledgeTooLow:
		return http.StatusBadRequest
	case errs.ErrTransferFailed:
		return http.StatusBadGateway
	}
	switch perr.Category {
	case errs.Identity:
		return http.StatusForbidden
	case errs.Temporal, errs.Structural:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
