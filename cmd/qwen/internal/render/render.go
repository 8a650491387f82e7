// Package render formats replies, vectors and usage for the terminal.
package render

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/glamour"
	glamourstyles "github.com/charmbracelet/glamour/styles"
	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"github.com/germanamz/qwen/pkg/modeladapter/usage"
)

const defaultWidth = 100

var (
	mdRenderer      *glamour.TermRenderer
	mdRendererMu    sync.Mutex
	mdRendererWidth int
)

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd())) //nolint:gosec // fd fits in int
}

// Width returns the terminal width of w, or a default when w is not a
// terminal.
func Width(w io.Writer) int {
	if f, ok := w.(*os.File); ok {
		if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 0 { //nolint:gosec // fd fits in int
			return width
		}
	}
	return defaultWidth
}

// InitMarkdown prepares the markdown renderer at the given wrap width.
// A fixed dark or light style is used so glamour never queries the terminal.
func InitMarkdown(width int, dark bool) {
	if width <= 0 {
		width = defaultWidth
	}

	mdRendererMu.Lock()
	defer mdRendererMu.Unlock()

	if width == mdRendererWidth && mdRenderer != nil {
		return
	}

	style := glamourstyles.LightStyleConfig
	if dark {
		style = glamourstyles.DarkStyleConfig
	}

	r, err := glamour.NewTermRenderer(
		glamour.WithStyles(style),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return
	}

	mdRenderer = r
	mdRendererWidth = width
}

// Markdown renders text as terminal markdown, or returns it unchanged when
// no renderer is ready.
func Markdown(text string) string {
	mdRendererMu.Lock()
	r := mdRenderer
	mdRendererMu.Unlock()

	if r == nil {
		return text
	}

	out, err := r.Render(text)
	if err != nil {
		return text
	}

	return strings.Trim(out, "\n")
}

// Truncate shortens s to at most width display cells, appending "..." when
// cut. Newlines become spaces.
func Truncate(s string, width int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return runewidth.Truncate(s, width, "...")
}

// Vector formats the first n components of vec, followed by the total
// dimension when the vector is longer.
func Vector(vec []float64, n int) string {
	if n <= 0 || n > len(vec) {
		n = len(vec)
	}

	parts := make([]string, n)
	for i := range n {
		parts[i] = strconv.FormatFloat(vec[i], 'f', 6, 64)
	}

	out := "[" + strings.Join(parts, ", ")
	if n < len(vec) {
		out += fmt.Sprintf(", ... (%d dims)", len(vec))
	}

	return out + "]"
}

// Usage formats a usage summary on one line.
func Usage(s usage.Summary) string {
	return fmt.Sprintf("%d chat calls, %s in / %s out tokens, %d embedding calls",
		s.ChatCalls,
		FmtTokens(s.Chat.InputTokens),
		FmtTokens(s.Chat.OutputTokens),
		s.EmbeddingCalls,
	)
}

// FmtTokens formats a token count using k/M suffixes.
func FmtTokens(n int) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.1fk", float64(n)/1_000)
	default:
		return strconv.Itoa(n)
	}
}

// FmtDuration formats a duration as seconds or minutes and seconds.
func FmtDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
}

// Error formats an error message as a bordered block.
func Error(msg string) string {
	return ErrorBlockStyle.Render(msg)
}
