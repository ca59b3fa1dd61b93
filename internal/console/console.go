// Package console renders session traffic on a terminal and reads user input.
// Every rendered block is written while holding the console's output lock,
// so blocks from concurrent handlers never interleave.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/matheus3301/esh3ar/internal/bus"
	"github.com/matheus3301/esh3ar/internal/message"
	"github.com/matheus3301/esh3ar/internal/status"
)

const rule = "------------------------------------------------------------"

type styles struct {
	pending lipgloss.Style
	live    lipgloss.Style
	chat    lipgloss.Style
	success lipgloss.Style
	failure lipgloss.Style
	muted   lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		pending: r.NewStyle().Foreground(lipgloss.Color("11")),
		live:    r.NewStyle().Foreground(lipgloss.Color("14")),
		chat:    r.NewStyle().Foreground(lipgloss.Color("13")),
		success: r.NewStyle().Foreground(lipgloss.Color("10")),
		failure: r.NewStyle().Foreground(lipgloss.Color("9")),
		muted:   r.NewStyle().Faint(true),
	}
}

// Console is the terminal collaborator.
type Console struct {
	mu     sync.Mutex
	out    io.Writer
	in     *bufio.Reader
	inFile *os.File
	styles styles
}

// New creates a console reading from in and writing to out. Colors are used
// only when out is a terminal.
func New(in io.Reader, out io.Writer) *Console {
	c := &Console{
		out:    out,
		in:     bufio.NewReader(in),
		styles: newStyles(lipgloss.NewRenderer(out)),
	}
	if f, ok := in.(*os.File); ok {
		c.inFile = f
	}
	return c
}

// ShowMessage renders a live or pending notification.
func (c *Console) ShowMessage(kind message.Kind, m message.Inbound) {
	style := c.styles.live
	if kind == message.Pending {
		style = c.styles.pending
	}
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(style.Render(fmt.Sprintf("[%s] %s", kind, rule[:50])) + "\n")
	fmt.Fprintf(&b, "  From:    %s\n", m.From)
	fmt.Fprintf(&b, "  Content: %s\n", m.Content)
	if m.AccessURL != "" {
		fmt.Fprintf(&b, "  URL:     %s\n", m.AccessURL)
	}
	if m.URLExpiresAt != nil && !m.URLExpiresAt.IsZero() {
		fmt.Fprintf(&b, "  Expires: %s\n", m.URLExpiresAt.Format("2006-01-02 15:04:05 MST"))
	}
	fmt.Fprintf(&b, "  ID:      %s\n", m.ID)
	b.WriteString(style.Render(rule) + "\n")
	c.write(b.String())
}

// ShowBroadcast renders a broadcast line.
func (c *Console) ShowBroadcast(text string) {
	c.write("\n📢 BROADCAST: " + text + "\n")
}

// ShowChat renders an inbound chat message.
func (c *Console) ShowChat(m message.ChatMessage) {
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(c.styles.chat.Render(fmt.Sprintf("[%s] %s", message.Chat, rule[:50])) + "\n")
	fmt.Fprintf(&b, "  From:    %s\n", m.Sender())
	fmt.Fprintf(&b, "  Content: %s\n", m.Content())
	fmt.Fprintf(&b, "  ID:      %s\n", m.ID())
	b.WriteString(c.styles.chat.Render(rule) + "\n")
	c.write(b.String())
}

// ShowError renders a recoverable error.
func (c *Console) ShowError(err error) {
	c.write(c.styles.failure.Render("🚨 Error: "+err.Error()) + "\n")
}

// ShowState renders a connection state transition.
func (c *Console) ShowState(ch status.Change) {
	line := fmt.Sprintf("connection %s → %s", strings.ToLower(string(ch.From)), strings.ToLower(string(ch.To)))
	style := c.styles.muted
	switch ch.To {
	case status.Connected:
		style = c.styles.success
	case status.Reconnecting:
		style = c.styles.pending
	}
	c.write(style.Render(line) + "\n")
}

// Println writes a plain line.
func (c *Console) Println(text string) { c.write(text + "\n") }

// Success writes a line in the success color.
func (c *Console) Success(text string) { c.write(c.styles.success.Render(text) + "\n") }

// Failure writes a line in the error color.
func (c *Console) Failure(text string) { c.write(c.styles.failure.Render(text) + "\n") }

// Watch renders connection state changes published on b until ctx ends.
func (c *Console) Watch(ctx context.Context, b *bus.Bus) {
	events, unsub := b.Subscribe("connection.", 16)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-events:
				if ch, ok := evt.Payload.(status.Change); ok {
					c.ShowState(ch)
				}
			}
		}
	}()
}

// ReadLine prints prompt and returns the next input line without its line
// ending. io.EOF is returned once input is exhausted.
func (c *Console) ReadLine(prompt string) (string, error) {
	if prompt != "" {
		c.write(prompt)
	}
	line, err := c.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Interactive reports whether input comes from a terminal.
func (c *Console) Interactive() bool {
	return c.inFile != nil && term.IsTerminal(int(c.inFile.Fd()))
}

// ReadPassword prompts for a password with echo disabled. Without a terminal
// the next input line is used.
func (c *Console) ReadPassword(prompt string) (string, error) {
	if !c.Interactive() {
		return c.ReadLine(prompt)
	}
	c.write(prompt)
	pw, err := term.ReadPassword(int(c.inFile.Fd()))
	c.write("\n")
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}

func (c *Console) write(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = io.WriteString(c.out, s)
}
