package crawl

// Progress is reported at each 10% milestone of the expected page count.
type Progress struct {
	Source       string  `json:"source"`
	PagesVisited int     `json:"pages_visited"`
	TotalPages   int     `json:"total_pages"`
	Percent      int     `json:"percent"`
	Products     int     `json:"products"`
	HeapMB       float64 `json:"heap_mb"`
}

type ProgressFunc func(Progress)

const milestoneStep = 10

type progressTracker struct {
	total        int
	lastReported int
}

// advance returns the milestone percent crossed by visiting `visited` pages,
// or -1 if none was crossed. Without a known total nothing is reported.
func (t *progressTracker) advance(visited int) int {
	if t.total <= 0 {
		return -1
	}
	pct := visited * 100 / t.total
	if pct > 100 {
		pct = 100
	}
	milestone := pct / milestoneStep * milestoneStep
	if milestone <= t.lastReported || milestone == 0 {
		return -1
	}
	t.lastReported = milestone
	return milestone
}
