/*
Package log provides structured logging via zerolog: a global Logger
configured once with log.Init, plus WithComponent/WithTargetID/WithBackend/
WithHost helpers for attaching context fields to a child logger.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	engineLog := log.WithComponent("engine")
	engineLog.Info().Str("target_id", id).Msg("target advanced")
*/
package log
