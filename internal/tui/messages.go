package tui

import (
	"os/exec"
	"runtime"

	tea "charm.land/bubbletea/v2"

	"github.com/relay-dev/relay/internal/tunnel"
)

// tunnelEventMsg wraps an event from the tunnel client.
type tunnelEventMsg struct {
	event tunnel.Event
}

// listenForEvents returns a command that blocks on the tunnel client's event
// channel and sends events to the Bubble Tea runtime.
func listenForEvents(client *tunnel.Client) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-client.Events
		if !ok {
			return nil
		}
		return tunnelEventMsg{event: ev}
	}
}

// openBrowserMsg is sent after attempting to open a URL in the browser.
type openBrowserMsg struct {
	err error
}

// openBrowser returns a command that opens the given URL in the default browser.
func openBrowser(url string) tea.Cmd {
	return func() tea.Msg {
		var cmd *exec.Cmd
		switch runtime.GOOS {
		case "darwin":
			cmd = exec.Command("open", url)
		case "windows":
			cmd = exec.Command("cmd", "/c", "start", url)
		default: // linux, freebsd, etc.
			cmd = exec.Command("xdg-open", url)
		}
		return openBrowserMsg{err: cmd.Start()}
	}
}
