package output

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
)

// ServerSummary is one row of the servers table.
type ServerSummary struct {
	Name      string
	Transport string
	Enabled   bool
	Cached    bool
	Tools     int
}

// ConnectionSummary is one row of the connections table.
type ConnectionSummary struct {
	ID        int64
	Key       string
	Status    string
	Connected string
	LastUsed  string
}

// ToolSummary is one row of the tools table.
type ToolSummary struct {
	Name        string
	Description string
}

// Servers renders the configured-servers table.
func (p *Printer) Servers(servers []ServerSummary) {
	if len(servers) == 0 {
		p.Println("no servers configured")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(p.out)
	t.SetStyle(p.tableStyle())
	t.AppendHeader(table.Row{"Server", "Transport", "Enabled", "Schema"})

	for _, s := range servers {
		enabled := "yes"
		if !s.Enabled {
			enabled = "no"
		}
		schema := ""
		if s.Cached {
			schema = "cached"
		}
		t.AppendRow(table.Row{s.Name, s.Transport, enabled, schema})
	}
	t.Render()
}

// Connections renders the live-connections table.
func (p *Printer) Connections(conns []ConnectionSummary) {
	if len(conns) == 0 {
		p.Println("no live connections")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(p.out)
	t.SetStyle(p.tableStyle())
	t.AppendHeader(table.Row{"ID", "Connection", "Status", "Connected", "Last Used"})

	for _, c := range conns {
		status := c.Status
		if p.isTTY {
			status = colorStatus(c.Status)
		}
		t.AppendRow(table.Row{c.ID, c.Key, status, c.Connected, c.LastUsed})
	}
	t.Render()
}

// Tools renders a server's tool listing.
func (p *Printer) Tools(server string, tools []ToolSummary) {
	if len(tools) == 0 {
		p.Print("%s exposes no tools\n", server)
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(p.out)
	t.SetStyle(p.tableStyle())
	t.AppendHeader(table.Row{"Tool", "Description"})

	for _, tool := range tools {
		t.AppendRow(table.Row{tool.Name, tool.Description})
	}
	t.Render()
}

func (p *Printer) tableStyle() table.Style {
	style := table.StyleRounded
	if !p.isTTY {
		style = table.StyleDefault
	}
	style.Options.SeparateRows = false
	return style
}

func colorStatus(status string) string {
	var style lipgloss.Style
	switch status {
	case "connected":
		style = lipgloss.NewStyle().Foreground(ColorGreen)
	case "error":
		style = lipgloss.NewStyle().Foreground(ColorRed)
	case "disconnected":
		style = lipgloss.NewStyle().Foreground(ColorMuted)
	default:
		style = lipgloss.NewStyle().Foreground(ColorGray)
	}
	return style.Render(status)
}
