/*
Package log provides structured logging for the hub using zerolog.

The log package wraps zerolog to give every component — the
three engines, the worker pool, the manager — a JSON-structured logger
tagged with the entity it's acting on (topic_id, callback, claimant).

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component and context loggers:

	fetchLog := log.WithComponent("fetch_engine")
	fetchLog.Info().Str("topic_id", topicID).Msg("fetch complete")

	topicLog := log.WithTopicID(topicID)
	topicLog.Warn().Msg("publisher validation rejected")

# Log Levels

Debug is for development tracing, Info is the default production level,
Warn flags conditions a retry will resolve, Error flags operations that
need investigation, and Fatal exits the process (startup failures only —
engines never call it).
*/
package log
