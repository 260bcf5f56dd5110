package es

import "log/slog"

// Version is the position of an event within its stream, starting at 1.
// It drives optimistic concurrency control: an append must continue exactly
// at the stream's current version + 1.
type Version uint64

func (v Version) Uint64() uint64                       { return uint64(v) }
func (v Version) SlogAttr() slog.Attr                  { return slog.Uint64("version", uint64(v)) }
func (v Version) SlogAttrWithKey(key string) slog.Attr { return slog.Uint64(key, uint64(v)) }
