package tmux

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agent-command/bridged/internal/config"
)

type call struct {
	stdin string
	args  []string
}

type fakeTmux struct {
	mu     sync.Mutex
	calls  []call
	panes  string
	failOn string
}

func (f *fakeTmux) run(_ context.Context, stdin string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{stdin: stdin, args: args})
	if args[0] == f.failOn {
		return []byte("can't find pane"), errors.New("exit status 1")
	}
	if args[0] == "list-panes" {
		return []byte(f.panes), nil
	}
	return nil, nil
}

func (f *fakeTmux) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, c.args[0])
	}
	return out
}

func newTestClient(f *fakeTmux) *Client {
	c := NewClient(&config.TmuxConfig{Bin: "tmux"})
	c.run = f.run
	return c
}

const panesOutput = "%1\t100\tmain\t0\t0\t/dev/pts/3\t/home/me\tbash\n" +
	"%4\t200\twork\t1\t2\t/dev/pts/7\t/srv/app\tclaude\n"

func TestListPanes(t *testing.T) {
	c := newTestClient(&fakeTmux{panes: panesOutput})

	panes, err := c.ListPanes(context.Background())
	require.NoError(t, err)
	require.Len(t, panes, 2)
	assert.Equal(t, "%4", panes[1].PaneID)
	assert.Equal(t, 200, panes[1].PanePID)
	assert.Equal(t, "/dev/pts/7", panes[1].TTY)
	assert.Equal(t, "claude", panes[1].CurrentCommand)
	assert.Equal(t, "work", panes[1].SessionName)
	assert.Equal(t, 1, panes[1].WindowIndex)
	assert.Equal(t, 2, panes[1].PaneIndex)
}

func TestResolveTarget(t *testing.T) {
	f := &fakeTmux{panes: panesOutput}
	c := newTestClient(f)

	id, err := c.ResolveTarget(context.Background(), "%9")
	require.NoError(t, err)
	assert.Equal(t, "%9", id)
	assert.Empty(t, f.commands(), "pane ids need no lookup")

	id, err = c.ResolveTarget(context.Background(), "/dev/pts/7")
	require.NoError(t, err)
	assert.Equal(t, "%4", id)

	_, err = c.ResolveTarget(context.Background(), "/dev/pts/99")
	assert.ErrorIs(t, err, ErrPaneNotFound)
}

func TestDeliverPastesAndSubmits(t *testing.T) {
	f := &fakeTmux{panes: panesOutput}
	c := newTestClient(f)

	require.NoError(t, c.Deliver(context.Background(), "/dev/pts/3", "continue"))

	assert.Equal(t, []string{"list-panes", "load-buffer", "paste-buffer", "delete-buffer", "send-keys"}, f.commands())
	assert.Equal(t, "continue", f.calls[1].stdin)
	assert.Equal(t, []string{"paste-buffer", "-t", "%1", "-b", f.calls[1].args[2]}, f.calls[2].args)
	assert.Equal(t, []string{"send-keys", "-t", "%1", "Enter"}, f.calls[4].args)
}

func TestDeliverPasteFailure(t *testing.T) {
	f := &fakeTmux{failOn: "paste-buffer"}
	c := newTestClient(f)

	err := c.Deliver(context.Background(), "%1", "continue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "can't find pane")
	assert.Equal(t, []string{"load-buffer", "paste-buffer", "delete-buffer"}, f.commands())
}

func TestDeliverChunksLongText(t *testing.T) {
	f := &fakeTmux{}
	c := newTestClient(f)

	text := strings.Repeat("x", chunkThreshold*2+5)
	require.NoError(t, c.Deliver(context.Background(), "%1", text))

	loads := 0
	enters := 0
	for _, call := range f.calls {
		switch call.args[0] {
		case "load-buffer":
			loads++
		case "send-keys":
			enters++
		}
	}
	assert.Equal(t, 3, loads)
	assert.Equal(t, 1, enters)
}

func TestSplitIntoChunks(t *testing.T) {
	assert.Equal(t, []string{""}, splitIntoChunks("", 3))
	assert.Equal(t, []string{"abc", "de"}, splitIntoChunks("abcde", 3))
	assert.Equal(t, []string{"日本", "語"}, splitIntoChunks("日本語", 2))
}
