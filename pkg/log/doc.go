// Package log provides the structured logger shared by every component of
// the configuration core. It wraps zerolog so that refresh cycles, lookups,
// and secret-broker activity all emit consistently shaped JSON (or console)
// records, and so that component loggers can be derived cheaply via With*.
package log
