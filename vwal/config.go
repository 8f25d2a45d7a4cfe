// Package vwal implements the virtual-WAL adapter (spec §4.5, C5): the
// callback surface an embedding SQL engine drives instead of its own WAL
// file, backed by a segment chain (package chain).
package vwal

import (
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultMaxSegmentFrames bounds a current segment's size before the writer
// rotates it on the next commit (spec §4.5 "Rotation policy").
const DefaultMaxSegmentFrames = 1000

// Config holds per-database construction parameters for Open.
type Config struct {
	// Dir is the directory holding this database's segment files.
	Dir string
	// MaxSegmentFrames is the frame count above which a commit triggers
	// rotation. Zero selects DefaultMaxSegmentFrames.
	MaxSegmentFrames uint32
	// Registerer receives this database's metrics. Nil disables metrics.
	Registerer prometheus.Registerer
	// Logger receives structured log events. Nil installs a no-op logger.
	Logger log.Logger
	// FsyncOnCommit fsyncs the current segment file on every commit, not
	// just at Seal. Off by default, trading the last commit's durability
	// against a crash for commit latency (spec §6 "fsync_on_commit").
	FsyncOnCommit bool
	// AutoCheckpointAfterFrames runs a Passive checkpoint after every commit
	// while the current segment holds more than this many frames (a Passive
	// checkpoint does not reset that count). Zero disables automatic
	// checkpointing (spec §6 "auto_checkpoint_after_frames").
	AutoCheckpointAfterFrames uint32
}

// Option mutates a Config during Open.
type Option func(*Config)

// WithDir sets the directory holding this database's segment files.
func WithDir(dir string) Option {
	return func(c *Config) { c.Dir = dir }
}

// WithMaxSegmentFrames overrides DefaultMaxSegmentFrames.
func WithMaxSegmentFrames(n uint32) Option {
	return func(c *Config) { c.MaxSegmentFrames = n }
}

// WithRegisterer sets the prometheus registerer used for this database's
// metrics.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Config) { c.Registerer = reg }
}

// WithLogger sets the logger used for this database's structured events.
func WithLogger(logger log.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithFsyncOnCommit enables fsyncing the current segment file on every
// commit.
func WithFsyncOnCommit(on bool) Option {
	return func(c *Config) { c.FsyncOnCommit = on }
}

// WithAutoCheckpointAfterFrames enables an automatic Passive checkpoint once
// the current segment holds more than n frames. Zero (the default) disables
// it.
func WithAutoCheckpointAfterFrames(n uint32) Option {
	return func(c *Config) { c.AutoCheckpointAfterFrames = n }
}

func (c *Config) setDefaults() {
	if c.MaxSegmentFrames == 0 {
		c.MaxSegmentFrames = DefaultMaxSegmentFrames
	}
	if c.Logger == nil {
		c.Logger = log.NewNopLogger()
	}
}
