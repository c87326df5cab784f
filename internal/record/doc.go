// Package record defines the FormRecord entity shared by every storage
// backend, together with its canonical serialization.
//
// A FormRecord has a closed set of known fields that the persistence core
// reads and writes (identity, lifecycle, region snapshot, timestamps and the
// sensitive patient fields) plus an open extension map holding every other
// domain field. Extension values are kept as raw JSON and pass through
// save, load and migration untouched.
//
// This package imports nothing internal. Every other package builds on it.
package record
