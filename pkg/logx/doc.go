// Package logx is a thin facade over zerolog.
//
// It exists so internal packages can log structured events without
// binding their signatures to a concrete logging library, and so the
// zero value of Logger is a safe no-op (handy in tests).
package logx
