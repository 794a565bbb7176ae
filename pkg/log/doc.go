/*
Package log provides structured logging for the database core using zerolog.

A single global logger is configured once via Init; every subsystem pulls a
component-scoped child logger from it (WithComponent, WithDatabase, WithView)
instead of passing a logger through every constructor.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

	viewLog := log.WithView("widgets", "by-name")
	viewLog.Info().Int("mapped", n).Msg("view update finished")
*/
package log
