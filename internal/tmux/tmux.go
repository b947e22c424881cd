package tmux

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/agent-command/bridged/internal/config"
)

// ErrPaneNotFound is returned when a reply target matches no tmux pane.
var ErrPaneNotFound = errors.New("no tmux pane for reply target")

// Replies longer than this are pasted in chunks.
const chunkThreshold = 1024

type Pane struct {
	PaneID         string
	PanePID        int
	SessionName    string
	WindowIndex    int
	PaneIndex      int
	TTY            string
	CurrentPath    string
	CurrentCommand string
}

// runFunc executes tmux with args, feeding stdin when non-empty.
type runFunc func(ctx context.Context, stdin string, args ...string) ([]byte, error)

type Client struct {
	cfg *config.TmuxConfig
	run runFunc
}

func NewClient(cfg *config.TmuxConfig) *Client {
	c := &Client{cfg: cfg}
	c.run = c.exec
	return c
}

func (c *Client) exec(ctx context.Context, stdin string, args ...string) ([]byte, error) {
	if c.cfg.Socket != "" {
		args = append([]string{"-S", c.cfg.Socket}, args...)
	}
	cmd := exec.CommandContext(ctx, c.cfg.Bin, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	return cmd.CombinedOutput()
}

func (c *Client) command(ctx context.Context, stdin string, args ...string) error {
	output, err := c.run(ctx, stdin, args...)
	if err != nil {
		if out := strings.TrimSpace(string(output)); out != "" {
			return fmt.Errorf("%s: %w: %s", args[0], err, out)
		}
		return fmt.Errorf("%s: %w", args[0], err)
	}
	return nil
}

// ListPanes returns all panes across all tmux sessions
func (c *Client) ListPanes(ctx context.Context) ([]Pane, error) {
	format := "#{pane_id}\t#{pane_pid}\t#{session_name}\t#{window_index}\t#{pane_index}\t#{pane_tty}\t#{pane_current_path}\t#{pane_current_command}"

	output, err := c.run(ctx, "", "list-panes", "-a", "-F", format)
	if err != nil {
		outputStr := strings.TrimSpace(string(output))
		// No tmux server running is not an error
		if strings.Contains(strings.ToLower(outputStr), "no server running") {
			return nil, nil
		}
		if outputStr != "" {
			return nil, fmt.Errorf("failed to list panes: %w: %s", err, outputStr)
		}
		return nil, fmt.Errorf("failed to list panes: %w", err)
	}

	var panes []Pane
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) < 6 {
			continue
		}

		var pane Pane
		pane.PaneID = fields[0]
		fmt.Sscanf(fields[1], "%d", &pane.PanePID)
		pane.SessionName = fields[2]
		fmt.Sscanf(fields[3], "%d", &pane.WindowIndex)
		fmt.Sscanf(fields[4], "%d", &pane.PaneIndex)
		pane.TTY = fields[5]
		if len(fields) > 6 {
			pane.CurrentPath = fields[6]
		}
		if len(fields) > 7 {
			pane.CurrentCommand = fields[7]
		}

		panes = append(panes, pane)
	}

	return panes, scanner.Err()
}

// ResolveTarget maps a session reply target to a pane id. Pane ids ("%3")
// pass through; anything else is matched against the panes' ttys.
func (c *Client) ResolveTarget(ctx context.Context, target string) (string, error) {
	if strings.HasPrefix(target, "%") {
		return target, nil
	}
	panes, err := c.ListPanes(ctx)
	if err != nil {
		return "", err
	}
	for _, p := range panes {
		if p.TTY == target {
			return p.PaneID, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrPaneNotFound, target)
}

// Deliver types text into the pane behind target and submits it with Enter.
func (c *Client) Deliver(ctx context.Context, target, text string) error {
	paneID, err := c.ResolveTarget(ctx, target)
	if err != nil {
		return err
	}
	if len([]rune(text)) > chunkThreshold {
		return c.SendInputChunked(ctx, paneID, text, true, chunkThreshold, 50*time.Millisecond)
	}
	return c.SendInput(ctx, paneID, text, true)
}

// SendInput sends text to a pane using load-buffer and paste-buffer.
// Uses a unique buffer name to avoid collisions with concurrent sends.
func (c *Client) SendInput(ctx context.Context, paneID, text string, enter bool) error {
	bufferName := fmt.Sprintf("brbuf_%d", time.Now().UnixNano())
	return c.sendInputWithBuffer(ctx, paneID, text, enter, bufferName)
}

// SendInputChunked sends input in chunks with a short delay between chunks.
// This is safer for interactive TUIs that misbehave on large pastes.
func (c *Client) SendInputChunked(ctx context.Context, paneID, text string, enter bool, chunkSize int, delay time.Duration) error {
	if chunkSize <= 0 {
		return fmt.Errorf("chunkSize must be > 0")
	}

	chunks := splitIntoChunks(text, chunkSize)
	for i, chunk := range chunks {
		isLast := i == len(chunks)-1
		bufferName := fmt.Sprintf("brbuf_%d_%d", time.Now().UnixNano(), i)
		if err := c.sendInputWithBuffer(ctx, paneID, chunk, enter && isLast, bufferName); err != nil {
			return err
		}
		if !isLast && delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return nil
}

func (c *Client) sendInputWithBuffer(ctx context.Context, paneID, text string, enter bool, bufferName string) error {
	if err := c.command(ctx, text, "load-buffer", "-b", bufferName, "-"); err != nil {
		return fmt.Errorf("failed to load buffer: %w", err)
	}

	if err := c.command(ctx, "", "paste-buffer", "-t", paneID, "-b", bufferName); err != nil {
		_ = c.deleteBuffer(ctx, bufferName)
		return fmt.Errorf("failed to paste buffer: %w", err)
	}

	_ = c.deleteBuffer(ctx, bufferName)

	if enter {
		return c.SendKeys(ctx, paneID, []string{"Enter"})
	}
	return nil
}

func (c *Client) deleteBuffer(ctx context.Context, bufferName string) error {
	return c.command(ctx, "", "delete-buffer", "-b", bufferName)
}

func splitIntoChunks(text string, chunkSize int) []string {
	if text == "" {
		return []string{""}
	}

	runes := []rune(text)
	if len(runes) <= chunkSize {
		return []string{text}
	}

	chunks := make([]string, 0, (len(runes)/chunkSize)+1)
	for i := 0; i < len(runes); i += chunkSize {
		end := min(i+chunkSize, len(runes))
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}

// SendKeys sends keys to a pane
func (c *Client) SendKeys(ctx context.Context, paneID string, keys []string) error {
	args := append([]string{"send-keys", "-t", paneID}, keys...)
	return c.command(ctx, "", args...)
}
