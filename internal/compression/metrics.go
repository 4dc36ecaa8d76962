package compression

import "github.com/prometheus/client_golang/prometheus"

var (
	bytesInTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "logs_governor_compression_bytes_in_total",
		Help: "Uncompressed bytes passed to the compressor by algorithm",
	}, []string{"type"})

	bytesOutTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "logs_governor_compression_bytes_out_total",
		Help: "Compressed bytes produced by algorithm",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(bytesInTotal)
	prometheus.MustRegister(bytesOutTotal)
}

func observe(t Type, in, out int) {
	bytesInTotal.WithLabelValues(string(t)).Add(float64(in))
	bytesOutTotal.WithLabelValues(string(t)).Add(float64(out))
}
