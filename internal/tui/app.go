// Package tui provides the interactive terminal UI for relayq.
//
// The watch app talks to a server over the wire protocol: it submits tasks,
// awaits them, and shows completions as the server pushes them.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/relayq/internal/models"
)

var (
	// Colors
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#6366F1")
	successColor   = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
	fgColor        = lipgloss.Color("#F9FAFB")
	cyanColor      = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	taskItemStyle = lipgloss.NewStyle().
			Padding(0, 2)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 2)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	onlineStyle  = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	offlineStyle = lipgloss.NewStyle().Foreground(errorColor)
)

// requestTimeout bounds every call the app makes to the server.
const requestTimeout = 5 * time.Second

// App is the main TUI application model.
type App struct {
	backend Backend
	addr    string
	refresh time.Duration

	tasks       []trackedTask
	selectedIdx int
	mode        string // "list" or "detail"
	state       *models.StoreState
	online      bool
	message     string

	input       textinput.Model
	spinner     spinner.Model
	viewport    viewport.Model
	suggestions *Suggestions
	width       int
	height      int
}

// New creates a new TUI application. refresh controls how often store
// counts are re-read; zero disables polling.
func New(b Backend, addr string, refresh time.Duration) *App {
	ti := textinput.New()
	ti.Placeholder = "Type a payload to submit, or /submit <payload> | /await <id> | /state"
	ti.Focus()
	ti.CharLimit = 1024
	ti.Width = 80

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(warningColor)

	return &App{
		backend:     b,
		addr:        addr,
		refresh:     refresh,
		mode:        "list",
		online:      true,
		input:       ti,
		spinner:     sp,
		viewport:    viewport.New(80, 20),
		suggestions: NewSuggestions(),
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		a.spinner.Tick,
		a.fetchState(),
		a.waitCompletion(),
		a.tickCmd(),
	)
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return a, tea.Quit

		case "esc":
			if a.mode == "detail" {
				a.mode = "list"
				return a, nil
			}

		case "up":
			if a.suggestions.IsVisible() {
				a.suggestions.Prev()
			} else if a.mode == "list" && a.selectedIdx > 0 {
				a.selectedIdx--
			}
			return a, nil

		case "down":
			if a.suggestions.IsVisible() {
				a.suggestions.Next()
			} else if a.mode == "list" && a.selectedIdx < len(a.tasks)-1 {
				a.selectedIdx++
			}
			return a, nil

		case "tab":
			if selected := a.suggestions.Selected(); selected != nil {
				a.input.SetValue(selected.Text + " ")
				a.input.CursorEnd()
				a.suggestions.Update("", nil)
			}
			return a, nil

		case "enter":
			line := strings.TrimSpace(a.input.Value())
			if line != "" {
				a.input.SetValue("")
				a.suggestions.Update("", nil)
				return a, a.executeCommand(line)
			}
			if a.mode == "list" && len(a.tasks) > 0 {
				a.mode = "detail"
				a.viewport.SetContent(a.renderTaskDetail(a.tasks[a.selectedIdx]))
				a.viewport.GotoTop()
			}
			return a, nil
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 4
		a.viewport.Width = msg.Width
		a.viewport.Height = max(msg.Height-10, 5)

	case submittedMsg:
		a.track(msg.id, msg.payload)
		a.message = fmt.Sprintf("Submitted task %d", msg.id)
		return a, tea.Batch(a.await(msg.id), a.fetchState())

	case awaitingMsg:
		a.track(msg.id, "")

	case completedMsg:
		i := a.track(msg.result.TaskID, "")
		result := msg.result
		a.tasks[i].Result = &result
		a.message = fmt.Sprintf("Task %d %s", result.TaskID, result.Status)
		if a.mode == "detail" && a.selectedIdx == i {
			a.viewport.SetContent(a.renderTaskDetail(a.tasks[i]))
		}
		return a, tea.Batch(a.waitCompletion(), a.fetchState())

	case stateMsg:
		state := msg.state
		a.state = &state

	case tickMsg:
		if !a.online {
			return a, nil
		}
		return a, tea.Batch(a.fetchState(), a.tickCmd())

	case disconnectedMsg:
		a.online = false
		if msg.err != nil {
			a.message = "Error: disconnected: " + msg.err.Error()
		} else {
			a.message = "Error: disconnected"
		}

	case errMsg:
		a.message = "Error: " + msg.err.Error()

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd
	}

	if a.mode == "detail" {
		var cmd tea.Cmd
		a.viewport, cmd = a.viewport.Update(msg)
		cmds = append(cmds, cmd)
	}

	// Update input
	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	cmds = append(cmds, cmd)

	// Update suggestions based on input
	a.suggestions.Update(a.input.Value(), a.pendingIDs())

	return a, tea.Batch(cmds...)
}

// track returns the index of id in the task list, adding it if needed.
// Tasks are kept newest id first.
func (a *App) track(id models.TaskID, payload string) int {
	for i := range a.tasks {
		if a.tasks[i].ID == id {
			if payload != "" {
				a.tasks[i].Payload = payload
			}
			return i
		}
	}
	a.tasks = append(a.tasks, trackedTask{ID: id, Payload: payload, Submitted: time.Now()})
	sort.SliceStable(a.tasks, func(i, j int) bool { return a.tasks[i].ID > a.tasks[j].ID })
	for i := range a.tasks {
		if a.tasks[i].ID == id {
			return i
		}
	}
	return 0
}

func (a *App) pendingIDs() []string {
	var ids []string
	for _, t := range a.tasks {
		if !t.finished() {
			ids = append(ids, strconv.FormatUint(uint64(t.ID), 10))
		}
	}
	return ids
}

func (a *App) clearFinished() int {
	kept := a.tasks[:0]
	removed := 0
	for _, t := range a.tasks {
		if t.finished() {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	a.tasks = kept
	if a.selectedIdx >= len(a.tasks) {
		a.selectedIdx = max(0, len(a.tasks)-1)
	}
	return removed
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	conn := onlineStyle.Render("● " + a.addr)
	if !a.online {
		conn = offlineStyle.Render("○ " + a.addr)
	}
	header := titleStyle.Render("relayq watch") + "  " + conn
	if a.state != nil {
		header += "  " + lipgloss.NewStyle().Foreground(cyanColor).Render(fmt.Sprintf("[%d tasks]", a.state.Total))
	}
	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("─", max(a.width, 20)) + "\n")

	contentHeight := max(a.height-10, 5)

	switch a.mode {
	case "detail":
		b.WriteString(a.viewport.View())
	default:
		b.WriteString(a.renderState() + "\n")
		b.WriteString(a.renderTaskList(contentHeight))
	}

	// Message bar
	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString("\n" + msgStyle.Render(a.message))
	} else {
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(inputBoxStyle.Render(a.input.View()))

	// Suggestions dropdown renders below the input
	if a.suggestions.IsVisible() {
		b.WriteString("\n")
		b.WriteString(a.suggestions.Render(a.width))
	}
	b.WriteString("\n")

	var status string
	switch a.mode {
	case "detail":
		status = " Esc:back | ↑↓:scroll | Ctrl+C:quit"
	default:
		status = fmt.Sprintf(" Watching: %d | ↑↓:nav | Enter:detail | /:commands | #:tasks | Ctrl+C:quit", len(a.pendingIDs()))
	}
	b.WriteString(statusBarStyle.Width(max(a.width, 20)).Render(status))

	return b.String()
}

func (a *App) renderState() string {
	if a.state == nil {
		return panelStyle.Render(a.spinner.View() + " loading store state")
	}
	s := a.state
	return panelStyle.Render(fmt.Sprintf("%s %d   %s %d   %s %d   %s %d",
		lipgloss.NewStyle().Foreground(warningColor).Render("pending"), s.Pending,
		lipgloss.NewStyle().Foreground(primaryColor).Render("running"), s.Running,
		lipgloss.NewStyle().Foreground(successColor).Render("completed"), s.Completed,
		lipgloss.NewStyle().Foreground(errorColor).Render("failed"), s.Failed,
	))
}

func (a *App) renderTaskList(height int) string {
	if len(a.tasks) == 0 {
		return "\n  No tasks yet. Type a payload and press Enter to submit one.\n"
	}

	var lines []string
	for i, task := range a.tasks {
		text := fmt.Sprintf("#%-5d %s  %s", task.ID, a.formatStatus(task), truncate(task.Payload, 50))
		if i == a.selectedIdx {
			lines = append(lines, selectedStyle.Render("> "+text))
		} else {
			lines = append(lines, taskItemStyle.Render("  "+text))
		}
	}

	// Limit visible lines
	if len(lines) > height {
		start := max(a.selectedIdx-height/2, 0)
		end := start + height
		if end > len(lines) {
			end = len(lines)
			start = max(0, end-height)
		}
		lines = lines[start:end]
	}

	return strings.Join(lines, "\n")
}

func (a *App) renderTaskDetail(t trackedTask) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("\n  %s\n", lipgloss.NewStyle().Bold(true).Render(fmt.Sprintf("Task %d", t.ID))))
	b.WriteString(fmt.Sprintf("  Status: %s\n", a.formatStatus(t)))
	if t.Payload != "" {
		b.WriteString(fmt.Sprintf("  Payload: %s\n", t.Payload))
	}
	if t.Result == nil {
		b.WriteString("\n  Waiting for the result...\n")
		return b.String()
	}
	r := t.Result
	b.WriteString(fmt.Sprintf("  Finished: %s\n", r.FinishedAt.Local().Format(time.DateTime)))
	if r.Error != "" {
		b.WriteString(fmt.Sprintf("  Error: %s\n", lipgloss.NewStyle().Foreground(errorColor).Render(r.Error)))
	}
	b.WriteString("\n  Output:\n")
	for _, line := range strings.Split(strings.TrimRight(string(r.Output), "\n"), "\n") {
		b.WriteString("    " + line + "\n")
	}
	return b.String()
}

func (a *App) formatStatus(t trackedTask) string {
	if t.Result == nil {
		return a.spinner.View() + lipgloss.NewStyle().Foreground(warningColor).Render(" WAITING")
	}
	switch t.Result.Status {
	case models.TaskStatusCompleted:
		return lipgloss.NewStyle().Foreground(successColor).Render("● DONE")
	case models.TaskStatusFailed:
		return lipgloss.NewStyle().Foreground(errorColor).Render("✗ FAILED")
	default:
		return string(t.Result.Status)
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

// --- Commands ---

// parseCommand splits input into a command and its argument. Input without a
// leading slash is a payload to submit.
func parseCommand(input string) (cmd, arg string) {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") {
		return "submit", input
	}
	cmd, arg, _ = strings.Cut(strings.TrimPrefix(input, "/"), " ")
	return cmd, strings.TrimSpace(arg)
}

func (a *App) executeCommand(input string) tea.Cmd {
	cmd, arg := parseCommand(input)

	switch cmd {
	case "submit":
		if arg == "" {
			return errCmd(fmt.Errorf("usage: /submit <payload>"))
		}
		return a.submit(arg)

	case "await":
		id, err := strconv.ParseUint(strings.TrimPrefix(arg, "#"), 10, 64)
		if err != nil {
			return errCmd(fmt.Errorf("usage: /await <id>"))
		}
		return a.await(models.TaskID(id))

	case "state":
		return a.fetchState()

	case "clear":
		n := a.clearFinished()
		a.message = fmt.Sprintf("Cleared %d finished tasks", n)
		return nil

	case "quit", "exit":
		return tea.Quit

	default:
		return errCmd(fmt.Errorf("unknown command /%s", cmd))
	}
}

func errCmd(err error) tea.Cmd {
	return func() tea.Msg { return errMsg{err} }
}

func (a *App) submit(payload string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		id, err := a.backend.Submit(ctx, []byte(payload))
		if err != nil {
			return errMsg{err}
		}
		return submittedMsg{id: id, payload: payload}
	}
}

func (a *App) await(id models.TaskID) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := a.backend.Await(ctx, id); err != nil {
			return errMsg{err}
		}
		return awaitingMsg{id: id}
	}
}

func (a *App) fetchState() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		state, err := a.backend.State(ctx)
		if err != nil {
			return errMsg{err}
		}
		return stateMsg{state: state}
	}
}

// waitCompletion delivers the next pushed result. It is re-issued after
// every completion.
func (a *App) waitCompletion() tea.Cmd {
	return func() tea.Msg {
		r, ok := <-a.backend.Completions()
		if !ok {
			return disconnectedMsg{err: a.backend.Err()}
		}
		return completedMsg{result: r}
	}
}

func (a *App) tickCmd() tea.Cmd {
	if a.refresh <= 0 {
		return nil
	}
	return tea.Tick(a.refresh, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}
