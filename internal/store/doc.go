// Package store provides the ConnectionStore backends: an in-process map, a
// redis hash-per-connection layout and a single postgres table.
package store
