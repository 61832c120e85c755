// Package ranking scores candidate audiobook releases against a requested
// title and author and orders them by desirability.
package ranking

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
)

var (
	authorSplitRegex = regexp.MustCompile(`(?i)\s*(?:,|&|;|\band\b|\s-\s)\s*`)
	roleNoteRegex    = regexp.MustCompile(`(?i)\([^)]*\)|\[[^\]]*\]`)
	roleWordRegex    = regexp.MustCompile(`(?i)\b(translator|translated|narrator|narrated|editor)\b`)
)

// Ranker scores candidates. It holds no state besides its weights and is safe
// for concurrent use.
type Ranker struct {
	config Config
}

// NewRanker creates a ranker with the given weights.
func NewRanker(config Config) *Ranker {
	return &Ranker{config: config}
}

// NewDefaultRanker creates a ranker with DefaultConfig.
func NewDefaultRanker() *Ranker {
	return NewRanker(DefaultConfig())
}

// Rank scores candidates with the default weights.
func Rank(candidates []CandidateRelease, target Target, priorities PriorityTable, flags FlagTable) []RankedCandidate {
	return NewDefaultRanker().Rank(candidates, target, priorities, flags)
}

// Rank scores every candidate and returns them ordered by final score
// descending, newer publish date first on ties. Rejected candidates are kept
// in the output with zero scores so callers can explain the outcome.
func (r *Ranker) Rank(candidates []CandidateRelease, target Target, priorities PriorityTable, flags FlagTable) []RankedCandidate {
	ranked := make([]RankedCandidate, 0, len(candidates))
	authors := ParseAuthors(target.Author)
	flags = NewFlagTable(flags)

	for i := range candidates {
		ranked = append(ranked, r.score(&candidates[i], target, authors, priorities, flags))
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].FinalScore != ranked[j].FinalScore {
			return ranked[i].FinalScore > ranked[j].FinalScore
		}
		return ranked[i].PublishDate.After(ranked[j].PublishDate)
	})

	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	return ranked
}

// score computes one candidate. A panic while scoring degrades the candidate
// to a rejected zero score.
func (r *Ranker) score(c *CandidateRelease, target Target, authors [][]string, priorities PriorityTable, flags FlagTable) (rc RankedCandidate) {
	rc = RankedCandidate{CandidateRelease: *c, Modifiers: []Modifier{}}

	defer func() {
		if p := recover(); p != nil {
			rc = RankedCandidate{
				CandidateRelease: *c,
				Modifiers:        []Modifier{},
				Rejected:         true,
				RejectReason:     fmt.Sprintf("scoring error: %v", p),
			}
		}
	}()

	coverage, hasRequired := RequiredCoverage(c.Title, target.Title)
	rc.Breakdown.Coverage = coverage
	if hasRequired && coverage < r.config.CoverageThreshold {
		rc.Rejected = true
		rc.RejectReason = fmt.Sprintf("only %.0f%% of required title words present", coverage*100)
		return rc
	}

	rc.Breakdown.Title, rc.Breakdown.CompleteTitle = r.TitleScore(c.Title, target.Title, authors)
	rc.Breakdown.Author = r.AuthorScore(c.Title, target.Author, authors)
	rc.Breakdown.Format = r.FormatScore(c)
	rc.Breakdown.Availability = r.AvailabilityScore(c)

	rc.BaseScore = rc.Breakdown.Title + rc.Breakdown.Author + rc.Breakdown.Format + rc.Breakdown.Availability

	rc.Modifiers = r.modifiers(c, rc.BaseScore, priorities, flags)
	for _, m := range rc.Modifiers {
		rc.BonusPoints += m.Points
	}
	rc.FinalScore = rc.BaseScore + rc.BonusPoints
	return rc
}

// TitleScore awards full points for a complete title match and otherwise
// scales title similarity.
func (r *Ranker) TitleScore(candidateTitle, requestedTitle string, authors [][]string) (float64, bool) {
	if IsCompleteTitleMatch(candidateTitle, requestedTitle, authors) {
		return r.config.MaxTitlePoints, true
	}
	return Similarity(requestedTitle, candidateTitle) * r.config.MaxTitlePoints, false
}

// AuthorScore awards points in proportion to the parsed author names that
// appear in the candidate title, falling back to similarity.
func (r *Ranker) AuthorScore(candidateTitle, requestedAuthor string, authors [][]string) float64 {
	if len(authors) == 0 {
		return 0
	}

	words := tokenize(candidateTitle)
	matched := 0
	for _, author := range authors {
		if containsWords(words, author) {
			matched++
		}
	}
	if matched > 0 {
		return float64(matched) / float64(len(authors)) * r.config.MaxAuthorPoints
	}
	return Similarity(requestedAuthor, candidateTitle) * r.config.MaxAuthorPoints
}

// FormatScore awards points by audio format.
func (r *Ranker) FormatScore(c *CandidateRelease) float64 {
	format, chapters := DetectFormat(c)
	switch format {
	case FormatM4B:
		if chapters == ChaptersAbsent {
			return r.config.ContainerPoints
		}
		return r.config.ChapteredContainerPoints
	case FormatM4A, FormatFLAC:
		return r.config.SecondaryFormatPoints
	case FormatMP3:
		return r.config.LossyFormatPoints
	default:
		return r.config.UnknownFormatPoints
	}
}

// AvailabilityScore scales seeders logarithmically for peer-to-peer
// candidates. Centralized candidates always get the maximum.
func (r *Ranker) AvailabilityScore(c *CandidateRelease) float64 {
	if !c.IsPeerToPeer() {
		return r.config.MaxAvailabilityPoints
	}
	if c.Seeders == nil || *c.Seeders <= 0 {
		return 0
	}
	score := math.Log10(float64(*c.Seeders)+1) * r.config.SeederMultiplier
	return math.Min(r.config.MaxAvailabilityPoints, score)
}

// modifiers returns the indexer priority modifier followed by one entry per
// distinct candidate flag found in the flag table.
func (r *Ranker) modifiers(c *CandidateRelease, base float64, priorities PriorityTable, flags FlagTable) []Modifier {
	priority := priorities.Priority(c.IndexerID)
	weight := float64(priority) / float64(MaxIndexerPriority)

	indexerName := c.IndexerName
	if indexerName == "" {
		indexerName = fmt.Sprintf("indexer %d", c.IndexerID)
	}

	mods := []Modifier{{
		Type:   ModifierIndexerPriority,
		Name:   indexerName,
		Weight: weight,
		Points: base * weight,
		Reason: fmt.Sprintf("%s priority %d/%d", indexerName, priority, MaxIndexerPriority),
	}}

	seen := make(map[string]bool)
	for _, flag := range c.Flags {
		key := NormalizeFlag(flag)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true

		pct, ok := flags.Lookup(key)
		if !ok {
			continue
		}
		w := float64(pct) / 100
		mods = append(mods, Modifier{
			Type:   ModifierFlag,
			Name:   strings.TrimSpace(flag),
			Weight: w,
			Points: base * w,
			Reason: fmt.Sprintf("flag %q %+d%%", strings.TrimSpace(flag), pct),
		})
	}
	return mods
}

// ParseAuthors splits an author field into tokenized names, dropping role
// annotations and fragments of two characters or fewer.
func ParseAuthors(author string) [][]string {
	author = roleNoteRegex.ReplaceAllStringFunc(author, func(m string) string {
		if roleWordRegex.MatchString(m) {
			return " "
		}
		return m
	})

	var names [][]string
	for _, part := range authorSplitRegex.Split(author, -1) {
		part = strings.TrimSpace(part)
		if len(part) <= 2 || roleWordRegex.MatchString(part) {
			continue
		}
		if words := tokenize(part); len(words) > 0 {
			names = append(names, words)
		}
	}
	return names
}

// DetectFormat returns the declared format when present, otherwise the first
// format keyword found in the title in priority order.
func DetectFormat(c *CandidateRelease) (AudioFormat, ChapterInfo) {
	title := strings.ToLower(c.Title)
	chapters := c.Chapters
	if chapters == ChaptersUnknown {
		chapters = detectChapters(title)
	}

	if c.Format != FormatUnknown {
		return c.Format, chapters
	}

	words := make(map[string]bool)
	for _, w := range tokenize(title) {
		words[w] = true
	}
	for _, f := range []AudioFormat{FormatM4B, FormatM4A, FormatFLAC, FormatMP3} {
		if words[string(f)] {
			return f, chapters
		}
	}
	return FormatUnknown, chapters
}

var (
	noChaptersRegex = regexp.MustCompile(`\b(no chapters|without chapters|unchaptered|no chapter marks)\b`)
	chaptersRegex   = regexp.MustCompile(`\b(chaptered|chapterized|with chapters)\b`)
)

func detectChapters(lowerTitle string) ChapterInfo {
	switch {
	case noChaptersRegex.MatchString(lowerTitle):
		return ChaptersAbsent
	case chaptersRegex.MatchString(lowerTitle):
		return ChaptersPresent
	}
	return ChaptersUnknown
}

// Eligible applies the dual threshold: both the base and the final score must
// reach their minimums.
func Eligible(rc *RankedCandidate) bool {
	return !rc.Rejected && rc.BaseScore >= MinBaseScore && rc.FinalScore >= MinFinalScore
}

// FilterEligible returns the eligible candidates, preserving order.
func FilterEligible(ranked []RankedCandidate) []RankedCandidate {
	out := make([]RankedCandidate, 0, len(ranked))
	for i := range ranked {
		if Eligible(&ranked[i]) {
			out = append(out, ranked[i])
		}
	}
	return out
}

// SelectBest returns the top eligible candidate from a ranked list.
func SelectBest(ranked []RankedCandidate) (RankedCandidate, bool) {
	for i := range ranked {
		if Eligible(&ranked[i]) {
			return ranked[i], true
		}
	}
	return RankedCandidate{}, false
}
