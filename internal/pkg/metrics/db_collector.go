package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolStats is a snapshot of connection pool counters.
type PoolStats struct {
	InUse int32
	Idle  int32
	Total int32
	Max   int32
}

// PoolStatsFrom reads the current counters of pool.
func PoolStatsFrom(pool *pgxpool.Pool) PoolStats {
	stat := pool.Stat()
	return PoolStats{
		InUse: stat.AcquiredConns(),
		Idle:  stat.IdleConns(),
		Total: stat.TotalConns(),
		Max:   stat.MaxConns(),
	}
}

// RecordDBPoolMetrics publishes stats to the pool connection gauge.
func RecordDBPoolMetrics(stats PoolStats) {
	DBPoolConnections.WithLabelValues("in_use").Set(float64(stats.InUse))
	DBPoolConnections.WithLabelValues("idle").Set(float64(stats.Idle))
	DBPoolConnections.WithLabelValues("total").Set(float64(stats.Total))
	DBPoolConnections.WithLabelValues("max").Set(float64(stats.Max))
}
