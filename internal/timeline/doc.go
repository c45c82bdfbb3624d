// Package timeline turns a sequence of discrete, possibly overlapping and
// possibly missing segments into one continuous, seekable playback position.
//
// An Assembler owns one playback buffer per generation. Every seek or stop
// starts a new generation: the previous loader is cancelled, its sink is
// discarded and any result it still produces is dropped because its
// generation no longer matches. Within a generation segments are fetched and
// appended strictly one at a time in ascending start order.
//
// The first successful append of a generation anchors the base epoch; every
// later segment is appended at (start - base) seconds, which is what makes
// discontinuous segments look like one timeline.
package timeline
