// Package log provides the leveled logging used across learn-langraph.
//
// The Logger interface carries four printf-style methods (Debug, Info, Warn,
// Error) behind a level filter. DefaultLogger writes through the standard
// library; NewGologLogger wraps a github.com/kataras/golog instance for
// applications already using it; NoOpLogger discards everything.
//
// A package-level default logger serves components that are not handed one
// explicitly, such as the persistence drivers' failure diagnostics:
//
//	log.SetLogLevel(log.LogLevelDebug)
//	log.Info("connecting to %s", addr)
//
// Replace it wholesale to redirect all of it:
//
//	glogger := golog.New()
//	log.SetDefaultLogger(log.NewGologLogger(glogger))
package log
