package ui

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// quitTimeout bounds how long Stop waits for the program to exit.
const quitTimeout = 2 * time.Second

// TUIRenderer renders progress with bubbletea.
type TUIRenderer struct {
	mu      sync.Mutex
	cfg     Config
	program *tea.Program
	model   *reloadModel
	tracker *ProgressTracker
	cancel  context.CancelFunc
	started bool
	done    chan struct{}
}

// NewTUIRenderer creates a TUI renderer. It fails for non-TTY output.
func NewTUIRenderer(cfg Config) (*TUIRenderer, error) {
	if !IsTTY(cfg.Output) {
		return nil, fmt.Errorf("output is not a TTY")
	}

	tracker := NewProgressTracker()
	model := newReloadModel(tracker, cfg.SourceDir)
	if cfg.NoColor || DetectNoColor() {
		model.styles = NoColorStyles()
	}

	return &TUIRenderer{
		cfg:     cfg,
		tracker: tracker,
		model:   model,
		done:    make(chan struct{}),
	}, nil
}

// Start implements Renderer.
func (r *TUIRenderer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}

	ctx, r.cancel = context.WithCancel(ctx)
	opts := []tea.ProgramOption{tea.WithContext(ctx)}
	if f, ok := r.cfg.Output.(*os.File); ok {
		opts = append(opts, tea.WithOutput(f))
	}

	r.program = tea.NewProgram(r.model, opts...)
	r.started = true

	go func() {
		defer close(r.done)
		_, _ = r.program.Run()
	}()
	return nil
}

// UpdateProgress implements Renderer.
func (r *TUIRenderer) UpdateProgress(event ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tracker.Apply(event)
	if r.program != nil {
		r.program.Send(progressMsg(event))
	}
}

// AddError implements Renderer.
func (r *TUIRenderer) AddError(event ErrorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tracker.AddError(event)
	if r.program != nil {
		r.program.Send(errorMsg(event))
	}
}

// Complete implements Renderer.
func (r *TUIRenderer) Complete(stats CompletionStats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tracker.SetStage(StageComplete, 0)
	if r.program != nil {
		r.program.Send(completeMsg(stats))
	}
}

// Stop implements Renderer.
func (r *TUIRenderer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.program == nil {
		return nil
	}
	select {
	case <-r.done:
	case <-time.After(quitTimeout):
		// The completion view did not quit on its own.
		r.program.Quit()
		if r.cancel != nil {
			r.cancel()
		}
		<-r.done
	}
	return nil
}

// bubbletea messages
type (
	progressMsg ProgressEvent
	errorMsg    ErrorEvent
	completeMsg CompletionStats
	tickMsg     time.Time
)

// reloadModel is the bubbletea model for one reload cycle. Progress state
// lives in the tracker; messages only trigger redraws.
type reloadModel struct {
	tracker   *ProgressTracker
	width     int
	quitting  bool
	complete  bool
	stats     CompletionStats
	errors    []ErrorEvent
	spinner   spinner.Model
	bar       progress.Model
	styles    Styles
	sourceDir string
}

func newReloadModel(tracker *ProgressTracker, sourceDir string) *reloadModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color(ColorLime))

	return &reloadModel{
		tracker: tracker,
		spinner: s,
		bar: progress.New(
			progress.WithSolidFill(ColorLime),
			progress.WithWidth(50),
			progress.WithoutPercentage(),
		),
		styles:    DefaultStyles(),
		width:     80,
		sourceDir: sourceDir,
	}
}

// Init implements tea.Model.
func (m *reloadModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick())
}

func tick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update implements tea.Model.
func (m *reloadModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		// Cancelling the view does not cancel the cycle.
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			m.quitting = true
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = max(msg.Width-20, 20)
	case errorMsg:
		m.errors = append(m.errors, ErrorEvent(msg))
	case completeMsg:
		m.complete = true
		m.stats = CompletionStats(msg)
		return m, tea.Quit
	case tickMsg:
		return m, tick()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m *reloadModel) View() string {
	if m.quitting {
		return "Detached; the reload continues in the background.\n"
	}
	if m.complete {
		return m.renderComplete()
	}

	width := max(m.width-4, 40)
	stats := m.tracker.Stats()

	sections := []string{
		m.renderStages(stats.Stage),
		m.divider(width),
		m.renderProgress(stats),
		m.renderSpeed(stats),
		m.divider(width),
		m.styles.Sparkline.Render(m.tracker.RenderSparkline(max(width-14, 10))) + " " + m.styles.Dim.Render("files/sec"),
	}
	if stats.Path != "" {
		sections = append(sections, m.divider(width), m.styles.Dim.Render(truncatePath(stats.Path, width-2)))
	}

	title := "amanrag reload"
	if m.sourceDir != "" {
		title += " • " + m.sourceDir
	}
	panel := m.styles.Panel.Width(width).Render(strings.Join(sections, "\n"))
	return lipgloss.JoinVertical(lipgloss.Left, m.styles.Header.Render(title), panel) + "\n" + m.renderStatusBar(stats)
}

func (m *reloadModel) renderStages(current Stage) string {
	if current == StageRollingBack {
		return m.styles.Error.Render(m.spinner.View() + " Rolling back")
	}
	parts := make([]string, 0, len(pipelineStages))
	for _, s := range pipelineStages {
		switch {
		case s < current:
			parts = append(parts, m.styles.Success.Render("● "+s.String()))
		case s == current:
			parts = append(parts, m.styles.Active.Render(m.spinner.View()+" "+s.String()))
		default:
			parts = append(parts, m.styles.Dim.Render("○ "+s.String()))
		}
	}
	return strings.Join(parts, m.styles.Dim.Render(" → "))
}

func (m *reloadModel) renderProgress(stats ProgressStats) string {
	if stats.Total == 0 {
		return fmt.Sprintf("%s %s...", m.spinner.View(), stats.Stage)
	}
	bar := m.bar.ViewAs(stats.Progress)
	pct := m.styles.Active.Render(fmt.Sprintf("%3.0f%%", stats.Progress*100))
	count := m.styles.Label.Render(fmt.Sprintf("%d / %d files", stats.Current, stats.Total))
	return fmt.Sprintf("%s  %s\n%s", bar, pct, count)
}

func (m *reloadModel) renderSpeed(stats ProgressStats) string {
	speed := fmt.Sprintf("Speed: %.1f/s", stats.Speed.Current)
	if stats.Speed.Avg > 0 {
		speed += fmt.Sprintf(" (avg: %.1f, peak: %.1f)", stats.Speed.Avg, stats.Speed.Peak)
	}
	parts := []string{m.styles.Speed.Render(speed)}
	if stats.ETA > 0 {
		parts = append(parts, m.styles.Label.Render("ETA: "+formatDuration(stats.ETA)))
	}
	return strings.Join(parts, m.styles.Dim.Render("  •  "))
}

func (m *reloadModel) divider(width int) string {
	return m.styles.Border.Render(strings.Repeat("─", width))
}

func (m *reloadModel) renderStatusBar(stats ProgressStats) string {
	var parts []string
	if stats.WarnCount > 0 {
		parts = append(parts, m.styles.Warning.Render(fmt.Sprintf("⚠ %d warnings", stats.WarnCount)))
	}
	if stats.ErrorCount > 0 {
		parts = append(parts, m.styles.Error.Render(fmt.Sprintf("✗ %d errors", stats.ErrorCount)))
	}
	parts = append(parts, m.styles.Dim.Render("q to detach"))
	return strings.Join(parts, m.styles.Dim.Render("  │  "))
}

func (m *reloadModel) renderComplete() string {
	s := m.stats
	var lines []string
	border := ColorLime
	switch {
	case s.DryRun:
		lines = append(lines, m.styles.Header.Render("Dry Run"))
	case s.Success:
		lines = append(lines, m.styles.Success.Render("✓ Reload Complete"))
	default:
		border = ColorRed
		lines = append(lines, m.styles.Error.Render("✗ Reload Failed"), m.styles.Dim.Render("the index was left at its previous state"))
	}
	lines = append(lines, "")

	row := func(label string, v any) {
		lines = append(lines, fmt.Sprintf("%s %s", m.styles.Label.Render(fmt.Sprintf("%-11s", label+":")), m.styles.Active.Render(fmt.Sprint(v))))
	}
	row("Added", s.Added)
	row("Modified", s.Modified)
	row("Deleted", s.Deleted)
	if s.DryRun {
		row("Est. chunks", s.EstimatedChunks)
	} else {
		row("Chunks", s.Chunks)
		row("Generation", s.Generation)
	}
	row("Duration", formatDuration(s.Duration))

	if len(m.errors) > 0 {
		lines = append(lines, "")
		for _, e := range m.errors {
			style := m.styles.Error
			if e.IsWarn {
				style = m.styles.Warning
			}
			lines = append(lines, style.Render("• "+e.Message))
		}
	}

	panel := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color(border)).
		Padding(1, 2).
		Width(max(m.width-4, 40))
	return panel.Render(strings.Join(lines, "\n")) + "\n"
}

// formatDuration formats a duration for humans: 850ms, 12s, 2m 5s, 1h 3m.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	d = d.Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		m, s := int(d.Minutes()), int(d.Seconds())%60
		if s == 0 {
			return fmt.Sprintf("%dm", m)
		}
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

// truncatePath shortens path to maxLen, keeping the file name.
func truncatePath(path string, maxLen int) string {
	if len(path) <= maxLen {
		return path
	}
	if maxLen < 4 {
		return "..."
	}
	i := strings.LastIndex(path, "/")
	name := path[i+1:]
	if i < 0 || len(name)+4 > maxLen {
		return "..." + path[len(path)-maxLen+3:]
	}
	prefix := path[:i]
	keep := maxLen - len(name) - 4
	return "..." + prefix[len(prefix)-keep:] + "/" + name
}

var _ Renderer = (*TUIRenderer)(nil)
