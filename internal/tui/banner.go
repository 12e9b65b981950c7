package tui

import "fmt"

// RenderBanner produces the connection summary shown once the tunnel is up.
func RenderBanner(url string, port int) string {
	out := "\n"
	out += fmt.Sprintf("  %s\n", titleStyle.Render("relay"))
	out += "\n"
	out += fmt.Sprintf("  %s    %s %s %s\n",
		labelStyle.Render("Forwarding"),
		urlStyle.Render(url),
		labelStyle.Render("->"),
		fmt.Sprintf("localhost:%d", port),
	)
	out += fmt.Sprintf("  %s        %s\n",
		labelStyle.Render("Status"),
		StyledTunnelStatus("connected"),
	)
	out += "\n"
	out += dimStyle.Render("  ─────────────────────────────────────────────────────────")
	out += "\n"
	return out
}

// RenderTunnelCard renders the status card for the left panel.
func RenderTunnelCard(url string, port int, status, lastError, spinnerView string) string {
	out := fmt.Sprintf("  %s\n\n", titleStyle.Render("relay"))

	switch status {
	case "connected":
		out += fmt.Sprintf("  %s\n  %s\n\n", labelStyle.Render("Public URL"), urlStyle.Render(Hyperlink(url, url)))
		out += fmt.Sprintf("  %s\n  localhost:%d\n\n", labelStyle.Render("Forwarding to"), port)
		out += fmt.Sprintf("  %s %s\n", labelStyle.Render("Status"), StyledTunnelStatus(status))
	case "connecting", "reconnecting":
		out += fmt.Sprintf("  %s %s\n", spinnerView, StyledTunnelStatus(status))
	default:
		out += fmt.Sprintf("  %s\n", StyledTunnelStatus(status))
	}

	if lastError != "" {
		out += fmt.Sprintf("\n  %s\n", errorStyle.Render(lastError))
	}
	return out
}
