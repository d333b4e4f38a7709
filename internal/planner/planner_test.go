package planner

import (
	"testing"
	"time"

	"fixturesync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(s string) time.Time {
	t, err := time.Parse(models.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func labels(chunks []Chunk) []string {
	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, c.Label())
	}
	return out
}

// assertCoverage checks the chunks tile [start, end] without gaps or overlaps.
func assertCoverage(t *testing.T, chunks []Chunk, start, end time.Time) {
	t.Helper()
	require.NotEmpty(t, chunks)
	assert.True(t, chunks[0].Start.Equal(start), "first chunk starts at %s", chunks[0].Start)
	assert.True(t, chunks[len(chunks)-1].End.Equal(end), "last chunk ends at %s", chunks[len(chunks)-1].End)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.False(t, c.End.Before(c.Start), "chunk %d inverted", i)
		if i > 0 {
			assert.True(t, c.Start.Equal(chunks[i-1].End.AddDate(0, 0, 1)), "gap or overlap before chunk %d", i)
		}
	}
}

func TestPlanThreeWeeks(t *testing.T) {
	p := New(30, 7)
	r := models.NewDateRange(day("2025-01-01"), day("2025-01-22"))

	chunks := p.Plan(r)
	assert.Equal(t, []string{
		"2025-01-01..2025-01-08",
		"2025-01-09..2025-01-16",
		"2025-01-17..2025-01-22",
	}, labels(chunks))
	assertCoverage(t, chunks, r.Start, r.End)
}

func TestPlanClampsLongRange(t *testing.T) {
	p := New(30, 7)
	start := day("2025-01-01")
	r := models.NewDateRange(start, start.AddDate(0, 0, 120))

	eff := p.Clamp(r)
	assert.Equal(t, "2025-01-31", eff.End.Format(models.DateLayout))
	assert.Equal(t, 30, eff.Days())

	chunks := p.Plan(r)
	assertCoverage(t, chunks, start, eff.End)
	assert.Equal(t, "2025-01-25..2025-01-31", chunks[len(chunks)-1].Label())
}

func TestPlanCoverage(t *testing.T) {
	start := day("2024-02-20")
	for _, size := range []int{1, 3, 7, 10} {
		for _, span := range []int{1, 2, 6, 7, 8, 29, 30, 31, 90} {
			p := New(30, size)
			r := models.NewDateRange(start, start.AddDate(0, 0, span))
			assertCoverage(t, p.Plan(r), start, p.Clamp(r).End)
		}
	}
}

func TestPlanIsDeterministic(t *testing.T) {
	p := New(30, 7)
	r := models.NewDateRange(day("2025-03-03"), day("2025-03-20"))
	assert.Equal(t, p.Plan(r), p.Plan(r))
}

func TestDefaults(t *testing.T) {
	p := New(0, -1)
	assert.Equal(t, models.DefaultMaxSpanDays, p.MaxSpanDays())
	assert.Equal(t, models.DefaultChunkSizeDays, p.ChunkSizeDays())
}

func TestEstimateDuration(t *testing.T) {
	p := New(30, 7)
	budget := 30 * time.Second

	tests := []struct {
		name  string
		start string
		end   string
		want  time.Duration
	}{
		{"three weeks", "2025-01-01", "2025-01-22", 90 * time.Second},
		{"one day", "2025-01-01", "2025-01-02", 30 * time.Second},
		{"clamped", "2025-01-01", "2025-06-01", 150 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := models.NewDateRange(day(tt.start), day(tt.end))
			assert.Equal(t, tt.want, p.EstimateDuration(r, budget))
		})
	}
}
