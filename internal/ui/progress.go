package ui

import (
	"sync"
	"time"
)

// speedInterval is the minimum spacing between throughput samples.
const speedInterval = 500 * time.Millisecond

// etaSmoothing weighs a new ETA against the previous one.
const etaSmoothing = 0.3

// ProgressTracker holds the state of the running cycle. It is safe for
// concurrent use.
type ProgressTracker struct {
	mu         sync.Mutex
	now        func() time.Time
	stage      Stage
	current    int
	total      int
	path       string
	started    time.Time
	stageStart time.Time
	errors     int
	warnings   int
	lastETA    time.Duration

	lastCurrent int
	lastSample  time.Time
	speed       SpeedStats
	samples     int
	spark       *Sparkline
}

// SpeedStats is throughput in files per second.
type SpeedStats struct {
	Current float64
	Avg     float64
	Peak    float64
}

// ProgressStats is a snapshot of the tracker.
type ProgressStats struct {
	Stage      Stage
	Current    int
	Total      int
	Progress   float64
	ETA        time.Duration
	Path       string
	ErrorCount int
	WarnCount  int
	Speed      SpeedStats
}

// NewProgressTracker creates a tracker positioned at detection.
func NewProgressTracker() *ProgressTracker {
	return newProgressTracker(time.Now)
}

func newProgressTracker(now func() time.Time) *ProgressTracker {
	t := now()
	return &ProgressTracker{
		now:        now,
		stage:      StageDetecting,
		started:    t,
		stageStart: t,
		lastSample: t,
		spark:      NewSparkline(60),
	}
}

// SetStage moves to stage and resets per-stage counters.
func (p *ProgressTracker) SetStage(stage Stage, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.stage = stage
	p.total = total
	p.current = 0
	p.path = ""
	p.stageStart = now
	p.lastETA = 0
	p.lastCurrent = 0
	p.lastSample = now
	p.speed = SpeedStats{}
	p.samples = 0
	p.spark.Clear()
}

// Apply records an event, switching stage when it changes.
func (p *ProgressTracker) Apply(e ProgressEvent) {
	p.mu.Lock()
	stage := p.stage
	p.mu.Unlock()
	if e.Stage != stage {
		p.SetStage(e.Stage, e.Total)
	}
	p.Update(e.Current, e.Total, e.Path)
}

// Update sets the position within the current stage.
func (p *ProgressTracker) Update(current, total int, path string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.current = current
	if total > 0 {
		p.total = total
	}
	if path != "" {
		p.path = path
	}

	now := p.now()
	elapsed := now.Sub(p.lastSample)
	if elapsed < speedInterval {
		return
	}
	if delta := current - p.lastCurrent; delta > 0 {
		speed := float64(delta) / elapsed.Seconds()
		p.speed.Current = speed
		p.samples++
		if p.samples == 1 {
			p.speed.Avg = speed
		} else {
			p.speed.Avg = 0.2*speed + 0.8*p.speed.Avg
		}
		if speed > p.speed.Peak {
			p.speed.Peak = speed
		}
		p.spark.Add(speed)
	}
	p.lastCurrent = current
	p.lastSample = now
}

// AddError counts an error or warning.
func (p *ProgressTracker) AddError(e ErrorEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e.IsWarn {
		p.warnings++
	} else {
		p.errors++
	}
}

// Elapsed returns the time since the tracker was created.
func (p *ProgressTracker) Elapsed() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.now().Sub(p.started)
}

// Stats returns a snapshot.
func (p *ProgressTracker) Stats() ProgressStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return ProgressStats{
		Stage:      p.stage,
		Current:    p.current,
		Total:      p.total,
		Progress:   p.progress(),
		ETA:        p.eta(),
		Path:       p.path,
		ErrorCount: p.errors,
		WarnCount:  p.warnings,
		Speed:      p.speed,
	}
}

// RenderSparkline returns the throughput sparkline at width (all samples when width <= 0).
func (p *ProgressTracker) RenderSparkline(width int) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spark.RenderWidth(width)
}

func (p *ProgressTracker) progress() float64 {
	if p.total == 0 {
		return 0
	}
	return min(float64(p.current)/float64(p.total), 1)
}

// eta smooths the linear estimate so batch variance does not make it jump.
// Must be called with the lock held.
func (p *ProgressTracker) eta() time.Duration {
	progress := p.progress()
	if progress <= 0 || progress >= 1 {
		return 0
	}
	elapsed := p.now().Sub(p.stageStart)
	raw := time.Duration(float64(elapsed)/progress) - elapsed
	if raw <= 0 {
		return 0
	}
	if p.lastETA == 0 {
		p.lastETA = raw
		return raw
	}
	p.lastETA = time.Duration(etaSmoothing*float64(raw) + (1-etaSmoothing)*float64(p.lastETA))
	return p.lastETA
}
