package domain

import "fmt"

// Verdict is the enforcement decision written to the forwarder lists.
type Verdict uint8

const (
	// VerdictNone means no list was touched.
	VerdictNone Verdict = iota
	// VerdictAllow puts the domain on the passthrough list.
	VerdictAllow
	// VerdictBlock puts the domain on the block list.
	VerdictBlock
)

func (v Verdict) String() string {
	switch v {
	case VerdictNone:
		return "none"
	case VerdictAllow:
		return "allow"
	case VerdictBlock:
		return "block"
	default:
		return fmt.Sprintf("Verdict(%d)", v)
	}
}

// Stage is the terminal state a query reached in the classification pipeline.
type Stage uint8

const (
	StageIgnored Stage = iota
	StageSkipped
	StageCacheHit
	StageBloomNegative
	StageRemoteLookup
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageIgnored:
		return "ignored"
	case StageSkipped:
		return "skipped"
	case StageCacheHit:
		return "cache_hit"
	case StageBloomNegative:
		return "bloom_negative"
	case StageRemoteLookup:
		return "remote_lookup"
	case StageFailed:
		return "failed"
	default:
		return fmt.Sprintf("Stage(%d)", s)
	}
}

// Outcome summarizes what the pipeline did with one query.
type Outcome struct {
	Domain  string
	Stage   Stage
	Verdict Verdict
	Record  *IntelRecord // record the decision was based on, if any
	Trusted bool         // intel verdict overridden by trust
	Alarmed bool
}
