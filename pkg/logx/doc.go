// Package logx wraps zerolog behind a small structured-logging facade.
//
// Components hold a Logger value; the Service owns the sinks (console and
// optional file) and can swap levels/outputs at runtime via Apply().
package logx
