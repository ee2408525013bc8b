/*
Package log provides structured logging for the agent bus runtime using
zerolog.

A single global Logger is initialized once via Init() at process start.
Component loggers (WithComponent, WithAgent, WithTaskID, WithRootID) attach
context fields without repeating them at every call site:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true, Output: os.Stdout})

	supLog := log.WithComponent("supervisor").With().Str("agent", "exec").Logger()
	supLog.Info().Str("task_id", taskID).Msg("claimed task")

cmd/agentbus writes console output by default for every subcommand,
including serve; the --log-json flag switches it to JSON output.
*/
package log
