package checkpoint

// Mode selects how aggressively a checkpoint contends with a live writer
// (spec §4.6 "Checkpoint modes").
type Mode int

const (
	// Passive applies only frames not concurrently being written; it never
	// blocks a writer.
	Passive Mode = iota
	// Full blocks further writers until all committable frames are applied.
	Full
	// Restart is Full plus a reset of the chain so the next writer begins a
	// new segment.
	Restart
	// Truncate is Restart plus retiring all sealed segments.
	Truncate
)

func (m Mode) String() string {
	switch m {
	case Passive:
		return "passive"
	case Full:
		return "full"
	case Restart:
		return "restart"
	case Truncate:
		return "truncate"
	default:
		return "unknown"
	}
}

// BusyHandler is invoked when a checkpoint mode demands exclusivity against
// a live writer. Returning true asks the caller to retry; false gives up
// (spec §4.6 "respect a busy handler").
type BusyHandler func() bool

// Backend performs one namespace's checkpoint body (spec §4.6 "Per-namespace
// checkpoint body"). It reports backfilledFrames (applied to the main
// database file by this call) and framesInWAL (still resident in the log
// afterwards), mirroring the embedding SQL engine's checkpoint report.
type Backend interface {
	Checkpoint(namespace string, mode Mode, busy BusyHandler) (backfilledFrames, framesInWAL uint32, err error)
}
