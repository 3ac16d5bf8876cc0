// Package mono provides a monotonic clock for deadline and idle-timer math,
// mirroring aistore's cmn/mono package.
/*
 * Copyright (c) 2024-2026, nprpc authors.
 */
package mono

import "time"

var start = time.Now()

// NanoTime returns nanoseconds since an arbitrary, process-local epoch.
// Never use it to compute wall-clock time; only to diff two readings.
func NanoTime() int64 { return time.Since(start).Nanoseconds() }

// Since returns the elapsed duration since a prior NanoTime() reading.
func Since(t int64) time.Duration { return time.Duration(NanoTime() - t) }
