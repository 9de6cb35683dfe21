package blksched

import "github.com/prometheus/client_golang/prometheus"

// Collector exposes a device's scheduling metrics to Prometheus.
type Collector struct {
	device *Device

	submits     *prometheus.Desc
	merges      *prometheus.Desc
	coalesces   *prometheus.Desc
	deferred    *prometheus.Desc
	dispatches  *prometheus.Desc
	unplugs     *prometheus.Desc
	starved     *prometheus.Desc
	completions *prometheus.Desc
	partials    *prometheus.Desc
	retries     *prometheus.Desc
	failures    *prometheus.Desc
	barriers    *prometheus.Desc
	switches    *prometheus.Desc
	inFlight    *prometheus.Desc
}

// NewCollector builds a collector for d. Register it with a
// prometheus.Registerer to scrape.
func NewCollector(d *Device) *Collector {
	labels := prometheus.Labels{"device": d.Name()}
	return &Collector{
		device: d,
		submits: prometheus.NewDesc("blksched_submits_total",
			"I/O units submitted.", nil, labels),
		merges: prometheus.NewDesc("blksched_merges_total",
			"Units absorbed into an existing request.", []string{"kind"}, labels),
		coalesces: prometheus.NewDesc("blksched_coalesces_total",
			"Adjacent requests collapsed into one.", nil, labels),
		deferred: prometheus.NewDesc("blksched_deferred_total",
			"Submissions parked behind plug or starvation.", nil, labels),
		dispatches: prometheus.NewDesc("blksched_dispatches_total",
			"Commands handed to the driver.", nil, labels),
		unplugs: prometheus.NewDesc("blksched_unplugs_total",
			"Plug releases.", nil, labels),
		starved: prometheus.NewDesc("blksched_starved_total",
			"Host admission refusals.", nil, labels),
		completions: prometheus.NewDesc("blksched_completions_total",
			"Requests finished successfully.", nil, labels),
		partials: prometheus.NewDesc("blksched_partials_total",
			"Residual requeues after short transfers.", nil, labels),
		retries: prometheus.NewDesc("blksched_retries_total",
			"Transparent retry requeues.", nil, labels),
		failures: prometheus.NewDesc("blksched_failures_total",
			"Terminal failures.", []string{"kind"}, labels),
		barriers: prometheus.NewDesc("blksched_barriers_total",
			"Barrier sequences.", []string{"stage"}, labels),
		switches: prometheus.NewDesc("blksched_policy_switches_total",
			"Live policy switches.", nil, labels),
		inFlight: prometheus.NewDesc("blksched_in_flight",
			"Requests currently dispatched to the driver.", nil, labels),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.submits
	ch <- c.merges
	ch <- c.coalesces
	ch <- c.deferred
	ch <- c.dispatches
	ch <- c.unplugs
	ch <- c.starved
	ch <- c.completions
	ch <- c.partials
	ch <- c.retries
	ch <- c.failures
	ch <- c.barriers
	ch <- c.switches
	ch <- c.inFlight
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.device.MetricsSnapshot()

	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	counter(c.submits, s.Submits)
	counter(c.merges, s.BackMerges, "back")
	counter(c.merges, s.FrontMerges, "front")
	counter(c.coalesces, s.Coalesces)
	counter(c.deferred, s.Deferred)
	counter(c.dispatches, s.Dispatches)
	counter(c.unplugs, s.Unplugs)
	counter(c.starved, s.Starved)
	counter(c.completions, s.Completions)
	counter(c.partials, s.Partials)
	counter(c.retries, s.Retries)
	counter(c.failures, s.Kills, "killed")
	counter(c.failures, s.Escalations, "escalated")
	counter(c.barriers, s.BarriersStarted, "started")
	counter(c.barriers, s.BarriersDone, "done")
	counter(c.switches, s.PolicySwitches)
	ch <- prometheus.MustNewConstMetric(c.inFlight, prometheus.GaugeValue, float64(s.InFlight))
}

var _ prometheus.Collector = (*Collector)(nil)
