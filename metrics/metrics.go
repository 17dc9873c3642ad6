package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// readHeaderTimeout bounds how long a scrape request may take to send its headers.
const readHeaderTimeout = time.Second * 10

var (
	TicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "trader_ticks_total", Help: "Count of completed scheduler ticks"},
	)
	MissedTicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "trader_missed_ticks_total", Help: "Count of tick boundaries skipped while a tick was in flight"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "trader_orders_total", Help: "Orders submitted by outcome"},
		[]string{"instrument", "direction", "outcome"},
	)
	TokenRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "trader_token_refresh_total", Help: "Token refresh exchanges by outcome"},
		[]string{"outcome"},
	)
	BrokerResponsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "trader_broker_responses_total", Help: "Broker responses by status code"},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(TicksTotal, MissedTicksTotal, OrdersTotal, TokenRefreshTotal, BrokerResponsesTotal)
}

// RecordTick counts a completed tick.
func RecordTick() {
	TicksTotal.Inc()
}

// RecordMissedTick counts a skipped tick boundary.
func RecordMissedTick() {
	MissedTicksTotal.Inc()
}

// RecordOrder counts an order submission outcome.
func RecordOrder(instrument string, direction string, outcome string) {
	OrdersTotal.WithLabelValues(instrument, direction, outcome).Inc()
}

// RecordTokenRefresh counts a token refresh outcome.
func RecordTokenRefresh(outcome string) {
	TokenRefreshTotal.WithLabelValues(outcome).Inc()
}

// RecordBrokerResponse counts a broker response by its status code.
func RecordBrokerResponse(status int) {
	BrokerResponsesTotal.WithLabelValues(strconv.Itoa(status)).Inc()
}

// Serve exposes the registered metrics on /metrics at the provided address.
func Serve(addr string, logger *zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msgf("metrics server on %s failed", addr)
		}
	}()

	logger.Info().Msgf("serving metrics on %s/metrics", addr)

	return srv
}
