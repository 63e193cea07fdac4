// Package logx wraps zerolog for mailsched.
//
// Console lines are human readable with a file:line caller; the log file gets
// JSON. Levels and sinks follow config reloads through Service.Apply.
package logx
