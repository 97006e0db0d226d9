// Command nsqtop is a terminal dashboard that polls the /healthz admin
// endpoint of one or more consumer processes, rendering them as a
// refreshing table.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("229")).Background(lipgloss.Color("57")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	badStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	titleStyle  = lipgloss.NewStyle().Bold(true).MarginBottom(1)
)

const pollInterval = 2 * time.Second

type healthStatus struct {
	Healthy             bool    `json:"healthy"`
	LastActivitySeconds int64   `json:"last_activity_seconds"`
	Requests            uint64  `json:"requests"`
	Goroutines          int     `json:"goroutines"`
	Addr                string  `json:"-"`
	Err                 error   `json:"-"`
	Latency             float64 `json:"-"`
}

type tickMsg time.Time

type model struct {
	addrs    []string
	statuses map[string]healthStatus
	client   *http.Client
}

func initialModel(addrs []string) model {
	return model{
		addrs:    addrs,
		statuses: make(map[string]healthStatus),
		client:   &http.Client{Timeout: time.Second},
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(pollAll(m), tick())
}

func tick() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

type statusesMsg map[string]healthStatus

func pollAll(m model) tea.Cmd {
	return func() tea.Msg {
		results := make(map[string]healthStatus, len(m.addrs))
		for _, addr := range m.addrs {
			results[addr] = poll(m.client, addr)
		}
		return statusesMsg(results)
	}
}

func poll(client *http.Client, addr string) healthStatus {
	start := time.Now()
	resp, err := client.Get("http://" + addr + "/healthz")
	if err != nil {
		return healthStatus{Addr: addr, Err: err}
	}
	defer resp.Body.Close()

	var hs healthStatus
	if err := json.NewDecoder(resp.Body).Decode(&hs); err != nil {
		return healthStatus{Addr: addr, Err: err}
	}
	hs.Addr = addr
	hs.Latency = time.Since(start).Seconds()
	return hs
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tickMsg:
		return m, pollAll(m)
	case statusesMsg:
		for addr, hs := range msg {
			m.statuses[addr] = hs
		}
		return m, tick()
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("nsqtop — press q to quit"))
	b.WriteString("\n")

	headers := []string{"ADDR", "HEALTHY", "LAST ACTIVITY", "REQUESTS", "GOROUTINES", "LATENCY"}
	b.WriteString(renderRow(headers, headerStyle))
	b.WriteString("\n")

	for _, addr := range m.addrs {
		hs, ok := m.statuses[addr]
		if !ok {
			b.WriteString(renderRow([]string{addr, "...", "-", "-", "-", "-"}, cellStyle))
			b.WriteString("\n")
			continue
		}
		if hs.Err != nil {
			b.WriteString(renderRow([]string{addr, badStyle.Render("down"), "-", "-", "-", "-"}, cellStyle))
			b.WriteString("\n")
			continue
		}

		healthy := badStyle.Render("no")
		if hs.Healthy {
			healthy = okStyle.Render("yes")
		}
		row := []string{
			addr,
			healthy,
			fmt.Sprintf("%ds ago", hs.LastActivitySeconds),
			fmt.Sprintf("%d", hs.Requests),
			fmt.Sprintf("%d", hs.Goroutines),
			fmt.Sprintf("%.3fs", hs.Latency),
		}
		b.WriteString(renderRow(row, cellStyle))
		b.WriteString("\n")
	}

	return b.String()
}

func renderRow(cells []string, style lipgloss.Style) string {
	widths := []int{22, 10, 16, 10, 12, 10}
	rendered := make([]string, len(cells))
	for i, c := range cells {
		w := 12
		if i < len(widths) {
			w = widths[i]
		}
		rendered[i] = style.Width(w).Render(c)
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, rendered...)
}

func main() {
	addrs := flag.String("addrs", "127.0.0.1:8081", "comma-separated list of consumer admin addresses to poll")
	flag.Parse()

	list := strings.Split(*addrs, ",")
	for i := range list {
		list[i] = strings.TrimSpace(list[i])
	}

	p := tea.NewProgram(initialModel(list))
	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
