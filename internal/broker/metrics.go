package broker

import "github.com/prometheus/client_golang/prometheus"

var (
	BuildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "confbroker_build_info",
		Help: "Build information of the broker",
	},
		[]string{"version", "commit", "date"},
	)

	activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "confbroker_sessions_active",
		Help: "The number of live device sessions",
	})

	activeListeners = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "confbroker_listeners_active",
		Help: "The number of running tunnel listeners",
	})

	heartbeatOps = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "confbroker_heartbeats_total",
		Help: "The total number of heartbeats processed",
	})

	heartbeatErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "confbroker_heartbeat_errors_total",
		Help: "The total number of heartbeats rejected",
	})

	devicesMarkedOffline = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "confbroker_devices_marked_offline_total",
		Help: "The total number of devices demoted by the offline sweeper",
	})

	reconcileStarts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "confbroker_reconcile_instance_starts_total",
		Help: "The total number of run_network_instance calls issued by reconcile tasks",
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "confbroker_reconcile_errors_total",
		Help: "The total number of failed reconcile instance starts",
	})

	harvestResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "confbroker_virtual_ip_harvests_total",
		Help: "The total number of virtual-IP harvest attempts by outcome",
	},
		[]string{"outcome"},
	)

	mgmtOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "confbroker_management_requests_total",
		Help: "The total number of management API requests",
	},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(BuildInfo)
	prometheus.MustRegister(activeSessions)
	prometheus.MustRegister(activeListeners)
	prometheus.MustRegister(heartbeatOps)
	prometheus.MustRegister(heartbeatErrors)
	prometheus.MustRegister(devicesMarkedOffline)
	prometheus.MustRegister(reconcileStarts)
	prometheus.MustRegister(reconcileErrors)
	prometheus.MustRegister(harvestResults)
	prometheus.MustRegister(mgmtOps)
}
