// Package metrics exposes bridge counters to Prometheus.
//
// Collector implements the bridge's Observer interface on a private
// registry. Server serves that registry at /metrics and an aggregated
// dependency check at /healthz, routed with chi.
//
//	bluehome_frames_total{code="IND"}
//	bluehome_frames_dropped_total{reason="unknown_device"}
//	bluehome_published_total
//	bluehome_publish_retries_total
//	bluehome_delivery_failures_total
//	bluehome_commands_total{result="ok"}
//	bluehome_build_info{version="1.0.0"}
package metrics
