/*
Package metrics provides Prometheus metrics for StorageHub providers.

Metrics are package-level collectors registered at init and exposed through
StartMetricsServer on /metrics. They cover the provider's externally
observable behaviour: storage request progress, proof assembly and
submission, peer chunk transfers, extrinsic lifecycle transitions, chain head
tracking (best and finalized tick, reorg count), and payment charging.

The Timer helper times an operation into a histogram:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ProofAssemblyDuration)
*/
package metrics
