/*
Package log provides structured logging for the ReBAC core using zerolog.

A single global Logger is configured once via Init and then specialized with
component/tenant/connection context loggers for the life of the process.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	tenantLog := log.WithTenant("acme")
	tenantLog.Info().Uint64("version", 42).Msg("mutation committed")

	connLog := log.WithConnection("conn-7f3a")
	connLog.Warn().Msg("slow consumer, closing")

Never log edge properties or proof contents at Info level or above; they may
carry tenant-sensitive capability data. Use Debug for anything that touches
mutation payloads.
*/
package log
