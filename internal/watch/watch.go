// Package watch renders a live terminal view of chain health: the head
// position, periodic full-chain verification results, and the most recent
// events. It reads through the store interface only and never writes.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"auditchain/internal/event"
	"auditchain/internal/store"
	"auditchain/internal/verify"
)

const (
	defaultPollInterval   = 2 * time.Second
	defaultVerifyInterval = 30 * time.Second
	defaultRecent         = 10

	fetchTimeout   = 3 * time.Second
	verifyTimeout  = 30 * time.Second
	verifyPageSize = 1000
)

// Options configure the monitor.
type Options struct {
	// PollInterval is how often the head and recent events are refreshed.
	PollInterval time.Duration

	// VerifyInterval is how often a full-chain verification runs.
	VerifyInterval time.Duration

	// Recent is the number of latest events shown in the table.
	Recent int

	// Backend names the configured store backend for the header line.
	Backend string

	// Logger receives verification job output. The alternate screen owns
	// the terminal while the monitor runs, so the default discards it.
	Logger *slog.Logger
}

// Messages.

type tickMsg time.Time

type statusMsg struct {
	head   store.Position
	empty  bool
	events []*event.Event // newest first
	err    error
}

type verifyMsg struct {
	err     error
	elapsed time.Duration
}

// Model is the bubbletea model for the chain monitor.
type Model struct {
	store store.Store
	job   *verify.Job

	pollInterval   time.Duration
	verifyInterval time.Duration
	recent         int
	backend        string

	width    int
	height   int
	quitting bool

	head     store.Position
	haveHead bool
	empty    bool
	fetchErr error
	events   []*event.Event

	verifying   bool
	verified    bool
	verifyErr   error
	lastVerify  time.Time
	lastElapsed time.Duration
	lastPoll    time.Time
}

// New creates a monitor over the given store.
func New(st store.Store, opts Options) Model {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.VerifyInterval <= 0 {
		opts.VerifyInterval = defaultVerifyInterval
	}
	if opts.Recent <= 0 {
		opts.Recent = defaultRecent
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	job := verify.NewJob(st, verify.JobConfig{PageSize: verifyPageSize}, opts.Logger)

	return Model{
		store:          st,
		job:            job,
		pollInterval:   opts.PollInterval,
		verifyInterval: opts.VerifyInterval,
		recent:         opts.Recent,
		backend:        opts.Backend,
		verifying:      true,
	}
}

// Run starts the monitor in the alternate screen and blocks until quit.
func Run(st store.Store, opts Options) error {
	p := tea.NewProgram(New(st, opts), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init starts the first fetch, the first verification, and the poll timer.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetchStatus(), m.runVerify(), m.tick())
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, m.fetchStatus()
		case "v":
			if !m.verifying {
				m.verifying = true
				return m, m.runVerify()
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		cmds := []tea.Cmd{m.fetchStatus(), m.tick()}
		if !m.verifying && time.Since(m.lastVerify) >= m.verifyInterval {
			m.verifying = true
			cmds = append(cmds, m.runVerify())
		}
		return m, tea.Batch(cmds...)

	case statusMsg:
		m.lastPoll = time.Now()
		m.fetchErr = msg.err
		if msg.err == nil {
			m.head = msg.head
			m.haveHead = !msg.empty
			m.empty = msg.empty
			m.events = msg.events
		}

	case verifyMsg:
		m.verifying = false
		m.verified = true
		m.verifyErr = msg.err
		m.lastVerify = time.Now()
		m.lastElapsed = msg.elapsed
	}

	return m, nil
}

// fetchStatus reads the head position and the most recent events.
func (m Model) fetchStatus() tea.Cmd {
	st, recent := m.store, m.recent
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		head, err := st.Head(ctx)
		if err != nil {
			if store.IsNotFound(err) {
				return statusMsg{empty: true}
			}
			return statusMsg{err: err}
		}

		from := uint64(0)
		if head.Sequence >= uint64(recent) {
			from = head.Sequence - uint64(recent) + 1
		}
		events, err := st.QueryRange(ctx, from, head.Sequence, recent)
		if err != nil {
			return statusMsg{err: err}
		}

		for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
			events[i], events[j] = events[j], events[i]
		}
		return statusMsg{head: head, events: events}
	}
}

// runVerify performs one full-chain verification.
func (m Model) runVerify() tea.Cmd {
	job := m.job
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), verifyTimeout)
		defer cancel()

		start := time.Now()
		err := job.RunOnce(ctx)
		return verifyMsg{err: err, elapsed: time.Since(start)}
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// View renders the monitor.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	title := "Audit Chain Monitor"
	if m.backend != "" {
		title += "  " + subtitleStyle.Render("("+m.backend+")")
	}
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n\n")

	b.WriteString("  " + m.statusLine())
	b.WriteString("\n")
	if m.verifyErr != nil {
		b.WriteString("  " + statusErrorStyle.Render(m.verifyErr.Error()))
		b.WriteString("\n")
	}
	if m.fetchErr != nil {
		b.WriteString("  " + statusWarnStyle.Render("store unreachable: "+m.fetchErr.Error()))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	b.WriteString(m.renderCards())
	b.WriteString("\n")

	if m.haveHead {
		b.WriteString("  " + mutedStyle.Render("head hash "+shortHash(m.head.Hash.Hex())))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	b.WriteString(m.renderEvents())

	b.WriteString(helpStyle.Render("[r] refresh  [v] verify  [q] quit"))
	b.WriteString("\n")

	return b.String()
}

// statusLine summarizes the latest verification outcome.
func (m Model) statusLine() string {
	switch {
	case !m.verified && m.verifying:
		return statusWarnStyle.Render("● VERIFYING")
	case m.verifyErr == nil && m.empty:
		return mutedStyle.Render("● NO EVENTS")
	case m.verifyErr == nil:
		return statusOKStyle.Render("● CHAIN INTACT")
	case errors.Is(m.verifyErr, verify.ErrTamperDetected):
		return statusErrorStyle.Render("● TAMPER DETECTED")
	case errors.Is(m.verifyErr, verify.ErrChainBroken):
		return statusErrorStyle.Render("● CHAIN BROKEN")
	default:
		return statusWarnStyle.Render("● VERIFY FAILED")
	}
}

func (m Model) renderCards() string {
	metrics := m.job.Metrics()

	headVal := "-"
	if m.haveHead {
		headVal = formatNumber(m.head.Sequence)
	}
	checkVal := "-"
	if m.verified {
		checkVal = ago(m.lastVerify)
	}

	cards := []string{
		renderCard("HEAD SEQUENCE", headVal),
		renderCard("VERIFY RUNS", formatNumber(metrics.Runs)),
		renderCard("VIOLATIONS", formatNumber(metrics.Violations)),
		renderCard("LAST CHECK", checkVal),
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, cards...)
}

func renderCard(label, value string) string {
	content := metricValueStyle.Render(value) + "\n" + metricLabelStyle.Render(label)
	return cardStyle.Render(content)
}

func (m Model) renderEvents() string {
	if len(m.events) == 0 {
		return ""
	}

	var b strings.Builder
	header := fmt.Sprintf("  %-8s %-14s %-24s %-8s %s", "SEQ", "TIME", "KIND", "SEVERITY", "SUBJECT")
	b.WriteString(tableHeaderStyle.Render(header))
	b.WriteString("\n")

	for _, e := range m.events {
		sev := severityStyle(uint8(e.Severity)).Render(fmt.Sprintf("%-8s", severityShort(e.Severity)))
		row := fmt.Sprintf("  %-8d %-14s %-24s %s %s",
			e.Sequence,
			e.Timestamp.Format("15:04:05.000"),
			truncate(string(e.Kind), 24),
			sev,
			truncate(e.Subject, 24),
		)
		b.WriteString(row)
		b.WriteString("\n")
	}
	return b.String()
}

var severityShortNames = [8]string{
	"EMERG", "ALERT", "CRIT", "ERROR", "WARN", "NOTICE", "INFO", "DEBUG",
}

func severityShort(s event.Severity) string {
	if s <= event.SeverityDebug {
		return severityShortNames[s]
	}
	return fmt.Sprintf("%d", uint8(s))
}

func shortHash(hex string) string {
	if len(hex) <= 16 {
		return hex
	}
	return hex[:16] + "..."
}

func formatNumber(n uint64) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 10_000:
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	default:
		return fmt.Sprintf("%d", n)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func ago(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Second:
		return "now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
}
