/*
Package log provides structured logging for StorageHub using zerolog.

The package wraps zerolog behind a global logger initialized once via
log.Init, with JSON output for production and a console writer for
development. Child loggers attach the fields every subsystem logs against:

	coordLog := log.WithComponent("coordinator")
	coordLog.Info().Msg("Coordinator started")

	fileLog := log.WithFileKey(fileKey)
	fileLog.Error().Err(err).Msg("Chunk download failed")

Component loggers are created per subsystem (coordinator, runtime, devnet,
txmgr, transfer-client, transfer-server) so a single provider's log stream can
be filtered by subsystem. Provider, bucket, and
file-key helpers render their 32-byte identifiers as 0x-prefixed hex.
*/
package log
