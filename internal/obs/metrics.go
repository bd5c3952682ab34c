package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Circulation counters, labelled by tenant.
var (
	loansIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circdesk_loans_issued_total",
			Help: "Loans opened by the circulation engine.",
		},
		[]string{"tenant"},
	)

	loansRenewedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circdesk_loans_renewed_total",
			Help: "Loan renewals granted.",
		},
		[]string{"tenant"},
	)

	loansReturnedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circdesk_loans_returned_total",
			Help: "Loans closed by return, split by overdue outcome.",
		},
		[]string{"tenant", "overdue"},
	)

	issueConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circdesk_issue_conflicts_total",
			Help: "Issue attempts that lost the race for a copy.",
		},
		[]string{"tenant"},
	)

	finesAssessedUnits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circdesk_fines_assessed_units_total",
			Help: "Fine amounts assessed on overdue returns, in minor units.",
		},
		[]string{"tenant"},
	)

	finesSettledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circdesk_fines_settled_total",
			Help: "Fines fully settled, split by outcome (paid|waived).",
		},
		[]string{"tenant", "outcome"},
	)
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		loansIssuedTotal, loansRenewedTotal, loansReturnedTotal,
		issueConflictsTotal, finesAssessedUnits, finesSettledTotal,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CountIssue records a successful issue.
func CountIssue(tenant string) { loansIssuedTotal.WithLabelValues(tenant).Inc() }

// CountRenewal records a granted renewal.
func CountRenewal(tenant string) { loansRenewedTotal.WithLabelValues(tenant).Inc() }

// CountReturn records a closed loan.
func CountReturn(tenant string, overdue bool) {
	loansReturnedTotal.WithLabelValues(tenant, strconv.FormatBool(overdue)).Inc()
}

// CountIssueConflict records a lost race for a copy.
func CountIssueConflict(tenant string) { issueConflictsTotal.WithLabelValues(tenant).Inc() }

// CountFineAssessed records the amount of a newly created fine.
func CountFineAssessed(tenant string, amount int64) {
	finesAssessedUnits.WithLabelValues(tenant).Add(float64(amount))
}

// CountFineSettled records a fine reaching paid or waived.
func CountFineSettled(tenant, outcome string) {
	finesSettledTotal.WithLabelValues(tenant, outcome).Inc()
}

// CanonicalPath collapses resource identifiers so metric labels stay low
// cardinality: /v1/loans/01ABC/renew -> /v1/loans/:id/renew.
func CanonicalPath(raw string) string {
	path := raw
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}

	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(segs) < 3 || segs[0] != "v1" {
		return path
	}
	switch segs[1] {
	case "copies", "loans", "members", "fines":
	default:
		return path
	}
	switch len(segs) {
	case 3:
		return "/v1/" + segs[1] + "/:id"
	case 4:
		switch segs[3] {
		case "withdraw", "renew", "return", "loans", "fines", "payments", "waive":
			return "/v1/" + segs[1] + "/:id/" + segs[3]
		}
	}
	return path
}

// Instrument wraps a handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for metrics.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working through the instrumentation wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
