package internal

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	BytesRead       prometheus.Counter
	PagesRead       *prometheus.CounterVec
	PagesPruned     prometheus.Counter
	RowGroupsPruned prometheus.Counter
	RecordsEmitted  prometheus.Counter
	RecordsFiltered prometheus.Counter
}

// reg が nil なら登録せずに使う
func NewMetrics(reg prometheus.Registerer) *Metrics {
	bytesRead := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dremel_bytes_read_total",
		Help: "Total bytes read from byte sources",
	})

	pagesRead := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dremel_pages_read_total",
		Help: "Total data pages decoded",
	}, []string{"column"})

	pagesPruned := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dremel_pages_pruned_total",
		Help: "Total pages skipped by column index statistics",
	})

	rowGroupsPruned := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dremel_row_groups_pruned_total",
		Help: "Total row groups skipped by column chunk statistics",
	})

	recordsEmitted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dremel_records_emitted_total",
		Help: "Total records emitted by searches",
	})

	recordsFiltered := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dremel_records_filtered_total",
		Help: "Total records read from candidate pages but rejected by predicates",
	})

	if reg != nil {
		reg.MustRegister(bytesRead, pagesRead, pagesPruned, rowGroupsPruned, recordsEmitted, recordsFiltered)
	}

	return &Metrics{
		BytesRead:       bytesRead,
		PagesRead:       pagesRead,
		PagesPruned:     pagesPruned,
		RowGroupsPruned: rowGroupsPruned,
		RecordsEmitted:  recordsEmitted,
		RecordsFiltered: recordsFiltered,
	}
}
