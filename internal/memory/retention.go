package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"execplane/internal/logging"
	"execplane/internal/store"

	"github.com/google/uuid"
)

// ErrNoEntries is returned by Compact when given nothing to compact.
var ErrNoEntries = errors.New("no entries to compact")

// tierRank orders retention tiers in the temporal direction. Transitions
// only move forward.
var tierRank = map[store.RetentionTier]int{
	store.TierHot:      0,
	store.TierWarm:     1,
	store.TierCold:     2,
	store.TierArchived: 3,
}

// RetentionConfig tunes tier aging. Zero fields use the defaults.
type RetentionConfig struct {
	// HotAge, WarmAge, ColdAge bound how long an entry stays in each tier.
	HotAge  time.Duration
	WarmAge time.Duration
	ColdAge time.Duration

	// AccessHoldThreshold holds a frequently read entry in its current tier
	// regardless of age.
	AccessHoldThreshold int
}

// Retention defaults.
const (
	DefaultHotAge              = time.Hour
	DefaultWarmAge             = 24 * time.Hour
	DefaultColdAge             = 7 * 24 * time.Hour
	DefaultAccessHoldThreshold = 10
)

func (c RetentionConfig) withDefaults() RetentionConfig {
	if c.HotAge <= 0 {
		c.HotAge = DefaultHotAge
	}
	if c.WarmAge <= 0 {
		c.WarmAge = DefaultWarmAge
	}
	if c.ColdAge <= 0 {
		c.ColdAge = DefaultColdAge
	}
	if c.AccessHoldThreshold <= 0 {
		c.AccessHoldThreshold = DefaultAccessHoldThreshold
	}
	return c
}

// Decision is the outcome of evaluating one entry: keep it where it is or
// transition it to a later tier.
type Decision struct {
	Transition bool
	Target     store.RetentionTier
	Reason     string
}

// =============================================================================
// RETENTION MANAGER
// =============================================================================

// RetentionManager tracks memory entries' tiers. Content is immutable once
// written; the manager only rewrites retention bookkeeping.
type RetentionManager struct {
	cfg     RetentionConfig
	entries store.MemoryEntryStore

	// onWrite is notified with the new entry's id, feeding the snapshot
	// manager's memory-write trigger.
	onWrite func(id string)

	now func() time.Time
}

// NewRetentionManager creates a manager over st. onWrite may be nil.
func NewRetentionManager(cfg RetentionConfig, st store.MemoryEntryStore, onWrite func(id string)) *RetentionManager {
	return &RetentionManager{
		cfg:     cfg.withDefaults(),
		entries: st,
		onWrite: onWrite,
		now:     time.Now,
	}
}

// Write persists a new memory entry in the hot tier, assigning an id when
// absent.
func (m *RetentionManager) Write(ctx context.Context, e store.MemoryEntry) (store.MemoryEntry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Type == "" {
		e.Type = store.MemoryEpisodicNote
	}
	e.Tier = store.TierHot
	e.CreatedAt = m.now().UTC()
	e.LastAccessed = e.CreatedAt
	e.AccessCount = 0

	if err := m.entries.Put(ctx, e); err != nil {
		return store.MemoryEntry{}, fmt.Errorf("failed to write memory entry: %w", err)
	}
	if m.onWrite != nil {
		m.onWrite(e.ID)
	}
	return e, nil
}

// Access reads an entry, bumping its access count and last-accessed time.
func (m *RetentionManager) Access(ctx context.Context, id string) (store.MemoryEntry, error) {
	e, err := m.entries.Get(ctx, id)
	if err != nil {
		return store.MemoryEntry{}, err
	}
	e.AccessCount++
	e.LastAccessed = m.now().UTC()
	if err := m.entries.UpdateRetention(ctx, e.ID, e.Tier, e.AccessCount, e.LastAccessed); err != nil {
		return store.MemoryEntry{}, err
	}
	return e, nil
}

// Evaluate decides whether e stays in its tier. High access count holds the
// current tier irrespective of age; otherwise the entry ages through
// hot, warm, cold, archived, never moving backward.
func (m *RetentionManager) Evaluate(e store.MemoryEntry) Decision {
	if e.AccessCount >= m.cfg.AccessHoldThreshold {
		return Decision{Reason: fmt.Sprintf("access count %d holds tier %s", e.AccessCount, e.Tier)}
	}

	age := m.now().Sub(e.CreatedAt)
	target := store.TierHot
	switch {
	case age >= m.cfg.ColdAge:
		target = store.TierArchived
	case age >= m.cfg.WarmAge:
		target = store.TierCold
	case age >= m.cfg.HotAge:
		target = store.TierWarm
	}

	if tierRank[target] <= tierRank[e.Tier] {
		return Decision{Reason: fmt.Sprintf("age %s keeps tier %s", age.Round(time.Second), e.Tier)}
	}
	return Decision{
		Transition: true,
		Target:     target,
		Reason:     fmt.Sprintf("age %s moves %s to %s", age.Round(time.Second), e.Tier, target),
	}
}

// Sweep evaluates every entry and applies the transitions, returning how
// many entries moved.
func (m *RetentionManager) Sweep(ctx context.Context) (int, error) {
	all, err := m.entries.List(ctx)
	if err != nil {
		return 0, err
	}
	moved := 0
	for _, e := range all {
		d := m.Evaluate(e)
		if !d.Transition {
			continue
		}
		if err := m.entries.UpdateRetention(ctx, e.ID, d.Target, e.AccessCount, e.LastAccessed); err != nil {
			return moved, fmt.Errorf("failed to transition entry %s: %w", e.ID, err)
		}
		moved++
		logging.Get(logging.CategoryMemory).Debug("entry %s: %s", e.ID, d.Reason)
	}
	return moved, nil
}

// =============================================================================
// COMPACTION
// =============================================================================

// CompactionStrategy names how a group of entries folds into one summary.
type CompactionStrategy string

const (
	// CompactTruncate keeps the head of the concatenated content.
	CompactTruncate CompactionStrategy = "truncate"
	// CompactExtractKey keeps the first line of each entry.
	CompactExtractKey CompactionStrategy = "extract_key"
	// CompactSemantic groups entries by tag and summarizes each group.
	CompactSemantic CompactionStrategy = "semantic"
	// CompactAggregate reduces the group to counts and a time range.
	CompactAggregate CompactionStrategy = "aggregate"
)

// truncateLimit bounds CompactTruncate output.
const truncateLimit = 512

// Compact folds entries into one summary entry of type snapshot that
// references the originals by id. The originals are left in place; callers
// decide whether to archive them afterward.
func (m *RetentionManager) Compact(ctx context.Context, entries []store.MemoryEntry, strategy CompactionStrategy) (store.MemoryEntry, error) {
	if len(entries) == 0 {
		return store.MemoryEntry{}, ErrNoEntries
	}

	var content string
	switch strategy {
	case CompactTruncate:
		content = truncateContent(entries)
	case CompactExtractKey:
		content = extractKeyLines(entries)
	case CompactSemantic:
		content = semanticSummary(entries)
	case CompactAggregate:
		content = aggregateSummary(entries)
	default:
		return store.MemoryEntry{}, fmt.Errorf("unknown compaction strategy %q", strategy)
	}

	ids := make([]string, len(entries))
	tagSet := map[string]struct{}{}
	for i, e := range entries {
		ids[i] = e.ID
		for _, t := range e.Tags {
			tagSet[t] = struct{}{}
		}
	}
	tags := make([]string, 0, len(tagSet))
	for t := range tagSet {
		tags = append(tags, t)
	}
	sort.Strings(tags)

	summary := store.MemoryEntry{
		Content: content,
		Type:    store.MemorySnapshot,
		Tags:    tags,
		Metadata: map[string]interface{}{
			"strategy":   string(strategy),
			"source_ids": ids,
		},
	}
	return m.Write(ctx, summary)
}

func truncateContent(entries []store.MemoryEntry) string {
	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = e.Content
	}
	joined := strings.Join(parts, "\n")
	if len(joined) <= truncateLimit {
		return joined
	}
	return joined[:truncateLimit]
}

func extractKeyLines(entries []store.MemoryEntry) string {
	lines := make([]string, len(entries))
	for i, e := range entries {
		line := e.Content
		if idx := strings.IndexByte(line, '\n'); idx >= 0 {
			line = line[:idx]
		}
		lines[i] = line
	}
	return strings.Join(lines, "\n")
}

// semanticSummary groups entries by their first tag and emits one line per
// group with the group size and the lead entry's first line.
func semanticSummary(entries []store.MemoryEntry) string {
	groups := map[string][]store.MemoryEntry{}
	for _, e := range entries {
		tag := "untagged"
		if len(e.Tags) > 0 {
			tag = e.Tags[0]
		}
		groups[tag] = append(groups[tag], e)
	}
	tags := make([]string, 0, len(groups))
	for t := range groups {
		tags = append(tags, t)
	}
	sort.Strings(tags)

	var b strings.Builder
	for _, t := range tags {
		group := groups[t]
		lead := group[0].Content
		if idx := strings.IndexByte(lead, '\n'); idx >= 0 {
			lead = lead[:idx]
		}
		fmt.Fprintf(&b, "%s (%d): %s\n", t, len(group), lead)
	}
	return strings.TrimRight(b.String(), "\n")
}

func aggregateSummary(entries []store.MemoryEntry) string {
	counts := map[store.MemoryType]int{}
	oldest, newest := entries[0].CreatedAt, entries[0].CreatedAt
	for _, e := range entries {
		counts[e.Type]++
		if e.CreatedAt.Before(oldest) {
			oldest = e.CreatedAt
		}
		if e.CreatedAt.After(newest) {
			newest = e.CreatedAt
		}
	}
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, string(t))
	}
	sort.Strings(types)

	var b strings.Builder
	fmt.Fprintf(&b, "%d entries from %s to %s\n", len(entries),
		oldest.UTC().Format(time.RFC3339), newest.UTC().Format(time.RFC3339))
	for _, t := range types {
		fmt.Fprintf(&b, "%s: %d\n", t, counts[store.MemoryType(t)])
	}
	return strings.TrimRight(b.String(), "\n")
}
