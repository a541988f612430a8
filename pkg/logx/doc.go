// Package logx wraps zerolog with a small field-closure API so the rest of
// the codebase does not depend on zerolog types directly.
package logx
