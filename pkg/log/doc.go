/*
Package log provides structured logging for the engine using zerolog.

It wraps zerolog with a global logger, configurable level and output format,
and child-logger helpers that attach the identifiers engine operations care
about: component, protocol, user and instance directory.

Initialize once in main:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Then either use the simple helpers or structured events:

	log.Info("installation complete")

	rotLog := log.WithComponent("rotation")
	rotLog.Error().Err(err).Str("user", name).Msg("user update failed")
*/
package log
