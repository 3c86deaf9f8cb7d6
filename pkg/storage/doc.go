/*
Package storage persists targets and the command queue to a BoltDB file
(ketrew.db), one bucket each. CompareAndSwapTarget is how callers detect a
lost-update race (engine tick vs. an API activation) against the same
target; see migration.go for how a schema version bump gets applied
transparently on read.
*/
package storage
