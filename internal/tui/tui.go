// Package tui is the interactive BubbleTea search interface.
//
// Layout:
//
//	┌─────────────────────────────────────┐
//	│  prox  vector search                │  ← header
//	│  ❯ <query input>                    │  ← search bar
//	│  ─────────────────────────────────  │
//	│  0.94  src/main.go:12               │  ← results
//	│        func main() ...              │
//	│  ─────────────────────────────────  │
//	│  3 results   ↑↓ move  enter open    │  ← status bar
//	└─────────────────────────────────────┘
package tui

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/screenager/prox/internal/index"
)

const (
	maxResults    = 10
	debounceDelay = 250 * time.Millisecond
)

var (
	colorAccent = lipgloss.Color("#7C6AF7")
	colorDim    = lipgloss.Color("#555555")
	colorMuted  = lipgloss.Color("#888888")
	colorText   = lipgloss.Color("#DDDDDD")
	colorScore  = lipgloss.Color("#5ECEF5")
	colorErr    = lipgloss.Color("#FF6B6B")

	sTitle   = lipgloss.NewStyle().Bold(true).Foreground(colorText)
	sAccent  = lipgloss.NewStyle().Foreground(colorAccent)
	sDim     = lipgloss.NewStyle().Foreground(colorDim)
	sMuted   = lipgloss.NewStyle().Foreground(colorMuted)
	sScore   = lipgloss.NewStyle().Foreground(colorScore).Bold(true)
	sPath    = lipgloss.NewStyle().Foreground(colorText)
	sErr     = lipgloss.NewStyle().Foreground(colorErr)
	sSel     = lipgloss.NewStyle().Background(lipgloss.Color("#1E1A3A")).Foreground(colorText)
	sDivider = lipgloss.NewStyle().Foreground(lipgloss.Color("#444444"))
)

type (
	resultsMsg  []index.SearchResult
	errMsg      struct{ err error }
	debounceMsg struct {
		query string
		id    int
	}
)

// Model is the BubbleTea application model.
type Model struct {
	idx        *index.Index
	input      textinput.Model
	results    []index.SearchResult
	cursor     int
	err        error
	width      int
	height     int
	searching  bool
	debounceID int
}

// New builds the initial model over an already-populated index.
func New(idx *index.Index) Model {
	input := textinput.New()
	input.Placeholder = "type to search"
	input.Prompt = sAccent.Render("❯ ")
	input.Focus()

	return Model{idx: idx, input: input}
}

func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "up":
			if m.cursor > 0 {
				m.cursor--
			}
			return m, nil
		case "down":
			if m.cursor < len(m.results)-1 {
				m.cursor++
			}
			return m, nil
		case "enter":
			if m.cursor < len(m.results) {
				openInEditor(m.results[m.cursor].Meta)
			}
			return m, nil
		}

		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)

		// Debounce: only the latest keystroke's timer triggers a search.
		m.debounceID++
		query := m.input.Value()
		id := m.debounceID
		return m, tea.Batch(cmd, tea.Tick(debounceDelay, func(time.Time) tea.Msg {
			return debounceMsg{query: query, id: id}
		}))

	case debounceMsg:
		if msg.id != m.debounceID || strings.TrimSpace(msg.query) == "" {
			return m, nil
		}
		m.searching = true
		return m, m.search(msg.query)

	case resultsMsg:
		m.searching = false
		m.err = nil
		m.results = msg
		if m.cursor >= len(m.results) {
			m.cursor = 0
		}
		return m, nil

	case errMsg:
		m.searching = false
		m.err = msg.err
		return m, nil
	}

	return m, nil
}

func (m Model) search(query string) tea.Cmd {
	return func() tea.Msg {
		results, err := m.idx.Search(query, maxResults)
		if err != nil {
			return errMsg{err}
		}
		return resultsMsg(results)
	}
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString("  " + sTitle.Render("prox") + sMuted.Render("  vector search") + "\n\n")
	b.WriteString("  " + m.input.View() + "\n")
	b.WriteString("  " + sDivider.Render(strings.Repeat("─", max(m.width-4, 10))) + "\n")

	switch {
	case m.err != nil:
		b.WriteString("  " + sErr.Render(m.err.Error()) + "\n")
	case m.searching:
		b.WriteString("  " + sMuted.Render("searching…") + "\n")
	case len(m.results) == 0:
		b.WriteString("  " + sDim.Render("no results") + "\n")
	default:
		for i, r := range m.results {
			line := fmt.Sprintf("%5.2f  %s:%d", r.Score, r.Meta.Path, r.Meta.LineNum)
			if i == m.cursor {
				b.WriteString("  " + sSel.Render(line) + "\n")
			} else {
				b.WriteString("  " + sScore.Render(fmt.Sprintf("%5.2f", r.Score)) +
					"  " + sPath.Render(fmt.Sprintf("%s:%d", r.Meta.Path, r.Meta.LineNum)) + "\n")
			}
			b.WriteString("         " + sMuted.Render(firstLine(r.Meta.Text)) + "\n")
		}
	}

	b.WriteString("  " + sDivider.Render(strings.Repeat("─", max(m.width-4, 10))) + "\n")
	b.WriteString("  " + sDim.Render(fmt.Sprintf("%d results   ↑↓ move  enter open  esc quit", len(m.results))))
	return b.String()
}

// firstLine truncates a chunk preview to its first line, capped for display.
func firstLine(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	if len(text) > 80 {
		text = text[:77] + "..."
	}
	return text
}

// openInEditor opens the selected result in $EDITOR at its line, falling
// back to printing the location.
func openInEditor(meta index.ChunkMeta) {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		fmt.Fprintf(os.Stderr, "%s:%d\n", meta.Path, meta.LineNum)
		return
	}
	cmd := exec.Command(editor, fmt.Sprintf("+%d", meta.LineNum), meta.Path)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	_ = cmd.Run()
}
