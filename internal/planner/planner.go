// Package planner splits a job's date range into the chunks a worker executes.
package planner

import (
	"time"

	"fixturesync/internal/models"
)

// Chunk is one inclusive sub-range of a job.
type Chunk struct {
	Index int
	Start time.Time
	End   time.Time
}

// Label is the human readable form shown as the job's current unit.
func (c Chunk) Label() string {
	return c.Start.Format(models.DateLayout) + ".." + c.End.Format(models.DateLayout)
}

// Planner holds the span limits. It has no state and is safe for concurrent use.
type Planner struct {
	maxSpanDays   int
	chunkSizeDays int
}

func New(maxSpanDays, chunkSizeDays int) *Planner {
	if maxSpanDays <= 0 {
		maxSpanDays = models.DefaultMaxSpanDays
	}
	if chunkSizeDays <= 0 {
		chunkSizeDays = models.DefaultChunkSizeDays
	}
	return &Planner{maxSpanDays: maxSpanDays, chunkSizeDays: chunkSizeDays}
}

func (p *Planner) ChunkSizeDays() int { return p.chunkSizeDays }

func (p *Planner) MaxSpanDays() int { return p.maxSpanDays }

// Clamp bounds the range to at most maxSpanDays after its start.
// Oversized ranges are shortened silently.
func (p *Planner) Clamp(r models.DateRange) models.DateRange {
	start := models.DateOf(r.Start)
	end := models.DateOf(r.End)
	limit := start.AddDate(0, 0, p.maxSpanDays)
	if end.After(limit) {
		end = limit
	}
	return models.DateRange{Start: start, End: end}
}

// Plan returns contiguous, non-overlapping chunks covering the clamped range.
// Each chunk spans chunkSizeDays days from its start; the next one starts the
// day after. The last chunk is cut at the range end.
func (p *Planner) Plan(r models.DateRange) []Chunk {
	eff := p.Clamp(r)
	if eff.End.Before(eff.Start) {
		return nil
	}

	var chunks []Chunk
	for cur := eff.Start; !cur.After(eff.End); {
		end := cur.AddDate(0, 0, p.chunkSizeDays)
		if end.After(eff.End) {
			end = eff.End
		}
		chunks = append(chunks, Chunk{Index: len(chunks), Start: cur, End: end})
		cur = end.AddDate(0, 0, 1)
	}
	return chunks
}

// EstimateDuration is the advisory runtime of a job over r:
// ceil(days/chunkSize) chunks times the per-chunk budget.
func (p *Planner) EstimateDuration(r models.DateRange, perChunkBudget time.Duration) time.Duration {
	days := p.Clamp(r).Days()
	chunks := (days + p.chunkSizeDays - 1) / p.chunkSizeDays
	return time.Duration(chunks) * perChunkBudget
}
