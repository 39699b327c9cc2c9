package metrics

import "github.com/prometheus/client_golang/prometheus"

// Set — прометеевские метрики движка. Регистрируются один раз при сборке
// приложения и отдаются на /metrics админского mux'а.
type Set struct {
	OrdersPlaced   *prometheus.CounterVec
	OrdersCanceled *prometheus.CounterVec
	FillsTotal     *prometheus.CounterVec
	LocksActive    *prometheus.GaugeVec
	VolumeTotal    *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Set {
	s := &Set{
		OrdersPlaced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bot_orders_placed_total",
				Help: "Grid orders placed",
			},
			[]string{"symbol", "side"},
		),
		OrdersCanceled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bot_orders_canceled_total",
				Help: "Grid orders canceled",
			},
			[]string{"symbol"},
		),
		FillsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bot_fills_total",
				Help: "Trade-fill events by resulting status",
			},
			[]string{"symbol", "status"},
		),
		LocksActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bot_position_lock_active",
				Help: "1 while a POSITION_OPEN lock is held for the symbol",
			},
			[]string{"symbol"},
		),
		VolumeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bot_traded_volume_total",
				Help: "Traded volume in quote currency",
			},
			[]string{"symbol"},
		),
	}

	reg.MustRegister(s.OrdersPlaced, s.OrdersCanceled, s.FillsTotal, s.LocksActive, s.VolumeTotal)
	return s
}
