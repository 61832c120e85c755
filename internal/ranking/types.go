package ranking

import (
	"sort"
	"strings"
	"time"
)

// Protocol is the transport a candidate is distributed over.
type Protocol string

const (
	ProtocolTorrent Protocol = "torrent"
	ProtocolUsenet  Protocol = "usenet"
)

// AudioFormat is the container/codec of a release.
type AudioFormat string

const (
	FormatUnknown AudioFormat = ""
	FormatM4B     AudioFormat = "m4b"
	FormatM4A     AudioFormat = "m4a"
	FormatFLAC    AudioFormat = "flac"
	FormatMP3     AudioFormat = "mp3"
)

// ChapterInfo records what is known about chapter markers in a release.
type ChapterInfo int

const (
	ChaptersUnknown ChapterInfo = iota
	ChaptersPresent
	ChaptersAbsent
)

// CandidateRelease is one raw result returned by the search gateway.
// Optional fields are nil when the source does not report them.
type CandidateRelease struct {
	GUID        string      `json:"guid"`
	IndexerID   int64       `json:"indexerId"`
	IndexerName string      `json:"indexer"`
	Title       string      `json:"title"`
	Size        int64       `json:"size"`
	Seeders     *int        `json:"seeders,omitempty"`
	Leechers    *int        `json:"leechers,omitempty"`
	PublishDate time.Time   `json:"publishDate"`
	DownloadURL string      `json:"downloadUrl"`
	InfoHash    string      `json:"infoHash,omitempty"`
	Flags       []string    `json:"flags,omitempty"`
	Format      AudioFormat `json:"format,omitempty"`
	Chapters    ChapterInfo `json:"-"`
	Protocol    Protocol    `json:"protocol"`
}

// IsPeerToPeer reports whether availability depends on peers. An explicit
// protocol tag wins; otherwise the presence of seeder counts decides.
func (c *CandidateRelease) IsPeerToPeer() bool {
	switch c.Protocol {
	case ProtocolTorrent:
		return true
	case ProtocolUsenet:
		return false
	}
	return c.Seeders != nil
}

// Target is the audiobook being searched for.
type Target struct {
	Title  string
	Author string
}

// ModifierType identifies the source of a bonus or penalty.
type ModifierType string

const (
	ModifierIndexerPriority ModifierType = "indexer_priority"
	ModifierFlag            ModifierType = "flag"
)

// Modifier is one bonus/penalty applied on top of the base score.
type Modifier struct {
	Type   ModifierType `json:"type"`
	Name   string       `json:"name"`
	Weight float64      `json:"weight"` // fraction of base score, -1.0 to 1.0
	Points float64      `json:"points"`
	Reason string       `json:"reason"`
}

// ScoreBreakdown lists the individual base score components.
type ScoreBreakdown struct {
	Coverage      float64 `json:"coverage"`
	Title         float64 `json:"title"`
	CompleteTitle bool    `json:"completeTitle"`
	Author        float64 `json:"author"`
	Format        float64 `json:"format"`
	Availability  float64 `json:"availability"`
}

// RankedCandidate is a candidate with its computed scores and rank.
type RankedCandidate struct {
	CandidateRelease
	Breakdown    ScoreBreakdown `json:"breakdown"`
	BaseScore    float64        `json:"baseScore"`
	Modifiers    []Modifier     `json:"modifiers"`
	BonusPoints  float64        `json:"bonusPoints"`
	FinalScore   float64        `json:"finalScore"`
	Rank         int            `json:"rank"`
	Rejected     bool           `json:"rejected"`
	RejectReason string         `json:"rejectReason,omitempty"`
}

// PriorityTable maps indexer id to a priority between 1 and 25.
type PriorityTable map[int64]int

// Priority returns the configured priority for an indexer, falling back to
// DefaultIndexerPriority and clamping to the valid range.
func (t PriorityTable) Priority(indexerID int64) int {
	p, ok := t[indexerID]
	if !ok || p == 0 {
		return DefaultIndexerPriority
	}
	if p < MinIndexerPriority {
		return MinIndexerPriority
	}
	if p > MaxIndexerPriority {
		return MaxIndexerPriority
	}
	return p
}

// FlagTable maps a normalized flag name to a percentage modifier in [-100, 100].
type FlagTable map[string]int

// NewFlagTable builds a table with normalized keys and clamped values. When
// several names normalize to the same key, an already normalized name wins,
// otherwise the first name in sorted order.
func NewFlagTable(entries map[string]int) FlagTable {
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)

	t := make(FlagTable, len(entries))
	for _, name := range names {
		key := NormalizeFlag(name)
		if key == "" {
			continue
		}
		if _, taken := t[key]; taken && name != key {
			continue
		}
		t[key] = clampModifier(entries[name])
	}
	return t
}

// Lookup finds the modifier for a flag, ignoring case and surrounding space.
// Keys are expected to be normalized, as NewFlagTable leaves them.
func (t FlagTable) Lookup(flag string) (int, bool) {
	key := NormalizeFlag(flag)
	if key == "" {
		return 0, false
	}
	mod, ok := t[key]
	if !ok {
		return 0, false
	}
	return clampModifier(mod), true
}

// NormalizeFlag lowercases and trims a flag name.
func NormalizeFlag(flag string) string {
	return strings.ToLower(strings.TrimSpace(flag))
}

func clampModifier(mod int) int {
	if mod < -100 {
		return -100
	}
	if mod > 100 {
		return 100
	}
	return mod
}
