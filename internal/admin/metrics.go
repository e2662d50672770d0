package admin

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/webqx/vitalq/internal/queue"
)

// handleMetrics renders the Prometheus text exposition format by hand. The
// snapshot sources are the same ones /v1/stats reads; label sets are sorted
// so scrapes are stable.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	_, _ = fmt.Fprintf(w, "# HELP vitalq_up Whether the vitalq process is up.\n")
	_, _ = fmt.Fprintf(w, "# TYPE vitalq_up gauge\n")
	_, _ = fmt.Fprintf(w, "vitalq_up 1\n")
	_, _ = fmt.Fprintf(w, "# HELP vitalq_build_info Build information.\n")
	_, _ = fmt.Fprintf(w, "# TYPE vitalq_build_info gauge\n")
	_, _ = fmt.Fprintf(w, "vitalq_build_info{version=%q} 1\n", s.Version)
	if !s.StartTime.IsZero() {
		_, _ = fmt.Fprintf(w, "# HELP vitalq_start_time_seconds Start time since unix epoch.\n")
		_, _ = fmt.Fprintf(w, "# TYPE vitalq_start_time_seconds gauge\n")
		_, _ = fmt.Fprintf(w, "vitalq_start_time_seconds %d\n", s.StartTime.Unix())
	}

	if s.Queue != nil {
		m := s.Queue.Metrics()
		_, _ = fmt.Fprintf(w, "# HELP vitalq_queue_pending Current number of pending items.\n")
		_, _ = fmt.Fprintf(w, "# TYPE vitalq_queue_pending gauge\n")
		_, _ = fmt.Fprintf(w, "vitalq_queue_pending %d\n", m.PendingItems)
		_, _ = fmt.Fprintf(w, "# HELP vitalq_queue_processing Current number of items checked out by workers.\n")
		_, _ = fmt.Fprintf(w, "# TYPE vitalq_queue_processing gauge\n")
		_, _ = fmt.Fprintf(w, "vitalq_queue_processing %d\n", m.ProcessingItems)
		_, _ = fmt.Fprintf(w, "# HELP vitalq_queue_depth Current pending depth partitioned by priority.\n")
		_, _ = fmt.Fprintf(w, "# TYPE vitalq_queue_depth gauge\n")
		weights := make([]int, 0, len(m.LengthByPriority))
		for weight := range m.LengthByPriority {
			weights = append(weights, weight)
		}
		sort.Sort(sort.Reverse(sort.IntSlice(weights)))
		for _, weight := range weights {
			_, _ = fmt.Fprintf(w, "vitalq_queue_depth{priority=%q} %d\n", priorityKey(weight), m.LengthByPriority[weight])
		}
		_, _ = fmt.Fprintf(w, "# HELP vitalq_queue_completed_total Total number of items completed successfully.\n")
		_, _ = fmt.Fprintf(w, "# TYPE vitalq_queue_completed_total counter\n")
		_, _ = fmt.Fprintf(w, "vitalq_queue_completed_total %d\n", m.CompletedTotal)
		_, _ = fmt.Fprintf(w, "# HELP vitalq_queue_requeued_total Total number of retry requeues.\n")
		_, _ = fmt.Fprintf(w, "# TYPE vitalq_queue_requeued_total counter\n")
		_, _ = fmt.Fprintf(w, "vitalq_queue_requeued_total %d\n", m.RequeuedTotal)
		_, _ = fmt.Fprintf(w, "# HELP vitalq_queue_failed_total Total number of items permanently failed.\n")
		_, _ = fmt.Fprintf(w, "# TYPE vitalq_queue_failed_total counter\n")
		_, _ = fmt.Fprintf(w, "vitalq_queue_failed_total %d\n", m.PermanentlyFailed)
		_, _ = fmt.Fprintf(w, "# HELP vitalq_queue_expired_total Total number of items auto-failed past their deadline.\n")
		_, _ = fmt.Fprintf(w, "# TYPE vitalq_queue_expired_total counter\n")
		_, _ = fmt.Fprintf(w, "vitalq_queue_expired_total %d\n", m.ExpiredTotal)
		_, _ = fmt.Fprintf(w, "# HELP vitalq_queue_wait_seconds Average wait between enqueue and dequeue.\n")
		_, _ = fmt.Fprintf(w, "# TYPE vitalq_queue_wait_seconds gauge\n")
		_, _ = fmt.Fprintf(w, "vitalq_queue_wait_seconds %.6f\n", m.AverageWait.Seconds())
		_, _ = fmt.Fprintf(w, "# HELP vitalq_queue_processing_seconds Average processing duration of finished items.\n")
		_, _ = fmt.Fprintf(w, "# TYPE vitalq_queue_processing_seconds gauge\n")
		_, _ = fmt.Fprintf(w, "vitalq_queue_processing_seconds %.6f\n", m.AverageProcessing.Seconds())
	}

	if s.Load != nil {
		_, _ = fmt.Fprintf(w, "# HELP vitalq_load_composite Composite server load percent.\n")
		_, _ = fmt.Fprintf(w, "# TYPE vitalq_load_composite gauge\n")
		_, _ = fmt.Fprintf(w, "vitalq_load_composite %.2f\n", s.Load.CurrentLoad())
		if sample, ok := s.Load.CurrentSample(); ok {
			_, _ = fmt.Fprintf(w, "# HELP vitalq_load_cpu_percent CPU utilization percent from the last sample.\n")
			_, _ = fmt.Fprintf(w, "# TYPE vitalq_load_cpu_percent gauge\n")
			_, _ = fmt.Fprintf(w, "vitalq_load_cpu_percent %.2f\n", sample.CPUPercent)
			_, _ = fmt.Fprintf(w, "# HELP vitalq_load_memory_percent Memory utilization percent from the last sample.\n")
			_, _ = fmt.Fprintf(w, "# TYPE vitalq_load_memory_percent gauge\n")
			_, _ = fmt.Fprintf(w, "vitalq_load_memory_percent %.2f\n", sample.MemoryPercent)
		}
		degraded := 0
		if s.Load.Degraded() {
			degraded = 1
		}
		_, _ = fmt.Fprintf(w, "# HELP vitalq_load_degraded Whether the load monitor is degraded or stopped.\n")
		_, _ = fmt.Fprintf(w, "# TYPE vitalq_load_degraded gauge\n")
		_, _ = fmt.Fprintf(w, "vitalq_load_degraded %d\n", degraded)
		_, _ = fmt.Fprintf(w, "# HELP vitalq_load_sample_failures_total Total number of failed load samples.\n")
		_, _ = fmt.Fprintf(w, "# TYPE vitalq_load_sample_failures_total counter\n")
		_, _ = fmt.Fprintf(w, "vitalq_load_sample_failures_total %d\n", s.Load.FailuresTotal())
	}

	if s.Batches != nil {
		st := s.Batches.Stats()
		degraded := 0
		if st.Degraded {
			degraded = 1
		}
		_, _ = fmt.Fprintf(w, "# HELP vitalq_batch_degraded Whether batch sizing is serving defaults.\n")
		_, _ = fmt.Fprintf(w, "# TYPE vitalq_batch_degraded gauge\n")
		_, _ = fmt.Fprintf(w, "vitalq_batch_degraded %d\n", degraded)
		_, _ = fmt.Fprintf(w, "# HELP vitalq_batch_size Current batch size partitioned by operation.\n")
		_, _ = fmt.Fprintf(w, "# TYPE vitalq_batch_size gauge\n")
		for _, op := range st.Operations {
			_, _ = fmt.Fprintf(w, "vitalq_batch_size{operation=%q} %d\n", op.Operation, op.CurrentSize)
		}
		_, _ = fmt.Fprintf(w, "# HELP vitalq_batch_adjustments_total Total number of batch size adjustments partitioned by operation.\n")
		_, _ = fmt.Fprintf(w, "# TYPE vitalq_batch_adjustments_total counter\n")
		for _, op := range st.Operations {
			_, _ = fmt.Fprintf(w, "vitalq_batch_adjustments_total{operation=%q} %d\n", op.Operation, op.AdjustmentCount)
		}
	}

	if s.Timeouts != nil {
		stats := s.Timeouts.AllStats()
		_, _ = fmt.Fprintf(w, "# HELP vitalq_timeout_seconds Current adaptive timeout partitioned by endpoint.\n")
		_, _ = fmt.Fprintf(w, "# TYPE vitalq_timeout_seconds gauge\n")
		for _, st := range stats {
			_, _ = fmt.Fprintf(w, "vitalq_timeout_seconds{endpoint=%q} %.3f\n", st.Endpoint, st.CurrentTimeout.Seconds())
		}
		_, _ = fmt.Fprintf(w, "# HELP vitalq_timeout_samples Current latency window size partitioned by endpoint.\n")
		_, _ = fmt.Fprintf(w, "# TYPE vitalq_timeout_samples gauge\n")
		for _, st := range stats {
			_, _ = fmt.Fprintf(w, "vitalq_timeout_samples{endpoint=%q} %d\n", st.Endpoint, st.SampleCount)
		}
		_, _ = fmt.Fprintf(w, "# HELP vitalq_timeout_discarded_total Total number of discarded latency samples partitioned by endpoint.\n")
		_, _ = fmt.Fprintf(w, "# TYPE vitalq_timeout_discarded_total counter\n")
		for _, st := range stats {
			_, _ = fmt.Fprintf(w, "vitalq_timeout_discarded_total{endpoint=%q} %d\n", st.Endpoint, st.DiscardedTotal)
		}
	}

	if s.Journal != nil {
		if counts, err := s.Journal.OutcomeCounts(); err == nil {
			outcomes := make([]string, 0, len(counts))
			for outcome := range counts {
				outcomes = append(outcomes, string(outcome))
			}
			sort.Strings(outcomes)
			_, _ = fmt.Fprintf(w, "# HELP vitalq_journal_outcomes_total Journaled terminal outcomes partitioned by outcome.\n")
			_, _ = fmt.Fprintf(w, "# TYPE vitalq_journal_outcomes_total counter\n")
			for _, outcome := range outcomes {
				_, _ = fmt.Fprintf(w, "vitalq_journal_outcomes_total{outcome=%q} %d\n", outcome, counts[queue.Outcome(outcome)])
			}
		}
	}
}
