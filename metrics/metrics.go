package metrics

import (
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairmail/fairmail/log"
)

var (
	// PrivateMetrics about the internal world (go process, escrow, private stuff)
	PrivateMetrics = prometheus.NewRegistry()
	// HTTPMetrics about the public surface area (http requests, cdn stuff)
	HTTPMetrics = prometheus.NewRegistry()

	// TransitionCounter counts committed protocol transitions
	TransitionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_transition_counter",
		Help: "Number of protocol transitions that committed",
	}, []string{"operation"})
	// RejectCounter counts refused transitions and why
	RejectCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_reject_counter",
		Help: "Number of protocol transitions refused",
	}, []string{"operation", "reason"})
	// ReleasedTotal sums the pledge value paid out of escrow
	ReleasedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "exchange_released_total",
		Help: "Total pledge value released from escrow",
	})

	// HTTPCallCounter (HTTP) how many http requests
	HTTPCallCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_call_counter",
		Help: "Number of HTTP calls received",
	}, []string{"code", "method"})
	// HTTPLatency (HTTP) how long http request handling takes
	HTTPLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "http_response_duration",
		Help:        "histogram of request latencies",
		Buckets:     prometheus.DefBuckets,
		ConstLabels: prometheus.Labels{"handler": "http"},
	}, []string{"method"})
	// HTTPInFlight (HTTP) how many http requests exist
	HTTPInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight",
		Help: "A gauge of requests currently being served.",
	})

	metricsBound = false
)

func bindMetrics() {
	if metricsBound {
		return
	}
	metricsBound = true

	// The private go-level metrics live in private.
	PrivateMetrics.Register(prometheus.NewGoCollector())
	PrivateMetrics.Register(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	exchange := []prometheus.Collector{
		TransitionCounter,
		RejectCounter,
		ReleasedTotal,
	}
	for _, c := range exchange {
		PrivateMetrics.Register(c)
	}

	// HTTP metrics
	http := []prometheus.Collector{
		HTTPCallCounter,
		HTTPLatency,
		HTTPInFlight,
	}
	for _, c := range http {
		HTTPMetrics.Register(c)
		PrivateMetrics.Register(c)
	}
}

var escrowRead struct {
	sync.Mutex
	held func() float64
}

// RegisterEscrowGauge exposes the held escrow balance through the given read
// function. Daemons call it at boot, after the ledger exists; a later call
// swaps the read function, so a restarted daemon reports its own book.
func RegisterEscrowGauge(held func() float64) {
	bindMetrics()
	escrowRead.Lock()
	first := escrowRead.held == nil
	escrowRead.held = held
	escrowRead.Unlock()
	if !first {
		return
	}
	PrivateMetrics.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "exchange_escrow_held",
		Help: "Pledge value currently held in escrow",
	}, func() float64 {
		escrowRead.Lock()
		defer escrowRead.Unlock()
		return escrowRead.held()
	}))
}

// Start starts a prometheus metrics server with debug endpoints.
func Start(metricsBind string, pprof http.Handler) net.Listener {
	log.DefaultLogger().Debugw("", "metrics", "private listener started", "at", metricsBind)
	bindMetrics()

	l, err := net.Listen("tcp", metricsBind)
	if err != nil {
		log.DefaultLogger().Warnw("", "metrics", "listen failed", "err", err)
		return nil
	}
	s := http.Server{Addr: l.Addr().String()}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(PrivateMetrics, promhttp.HandlerOpts{Registry: PrivateMetrics}))

	if pprof != nil {
		mux.Handle("/debug/pprof", pprof)
	}

	mux.HandleFunc("/debug/gc", func(w http.ResponseWriter, req *http.Request) {
		runtime.GC()
		fmt.Fprintf(w, "GC run complete")
	})
	s.Handler = mux
	go func() {
		log.DefaultLogger().Warnw("", "metrics", "listen finished", "err", s.Serve(l))
	}()
	return l
}
