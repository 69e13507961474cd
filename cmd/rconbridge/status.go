package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"rconbridge-go/internal/metrics"
	"rconbridge-go/internal/rcon"
	"rconbridge-go/internal/upstream"
)

var (
	statusJSON    bool
	statusTimeout time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Connect to every configured server once and print a status table",
	Long: `Connect to every configured server in parallel, take one metrics
sample from each and print the result. Unreachable servers are listed with
the reason instead of failing the command.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output in JSON format")
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 15*time.Second, "overall time limit for connecting and sampling")
}

// ServerReport is one row of the status output.
type ServerReport struct {
	Tag      string            `json:"tag"`
	Name     string            `json:"name"`
	Address  string            `json:"address"`
	State    string            `json:"state"`
	Error    string            `json:"error,omitempty"`
	Snapshot *metrics.Snapshot `json:"metrics,omitempty"`
}

var (
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle  = lipgloss.NewStyle().Padding(0, 1)
)

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := cliLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	registry := oneShotRegistry(cfg, logger)
	defer closeRegistry(registry)
	for _, s := range cfg.Servers {
		if err := registry.Register(s); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
	defer cancel()
	reports := collectReports(ctx, registry)

	if statusJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{"servers": reports})
	}
	renderStatus(cmd.OutOrStdout(), reports)
	return nil
}

// collectReports connects every server, samples each connected one and
// reports the rest with their failure.
func collectReports(ctx context.Context, registry *upstream.Registry) []ServerReport {
	_ = registry.ConnectAll(ctx)
	snapshots := registry.GatherAll(ctx)

	tags := registry.All()
	reports := make([]ServerReport, 0, len(tags))
	for _, tag := range tags {
		client := registry.ClientFor(tag)
		cfg := registry.ConfigFor(tag)
		if client == nil || cfg == nil {
			continue
		}
		r := ServerReport{
			Tag:     tag,
			Name:    cfg.DisplayName(),
			Address: cfg.Host + ":" + strconv.Itoa(cfg.Port),
			State:   client.GetState().String(),
		}
		if err := client.StateManager.LastError(); err != nil && !client.IsConnected() {
			r.Error = rcon.Describe(err)
		}
		if snap, ok := snapshots[tag]; ok && snap.Connected {
			r.Snapshot = &snap
		}
		reports = append(reports, r)
	}
	return reports
}

func renderStatus(w io.Writer, reports []ServerReport) {
	if len(reports) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("No servers configured."))
		return
	}

	rows := make([][]string, 0, len(reports))
	for _, r := range reports {
		state := okStyle.Render(r.State)
		if r.Snapshot == nil {
			state = errorStyle.Render(r.State)
		}
		players, evo := "-", "-"
		if r.Snapshot != nil {
			if r.Snapshot.PlayerCount != nil {
				players = strconv.Itoa(*r.Snapshot.PlayerCount)
			}
			if r.Snapshot.EvolutionFactor != nil {
				evo = strconv.FormatFloat(*r.Snapshot.EvolutionFactor, 'f', 4, 64)
			}
		}
		detail := r.Error
		if detail == "" {
			detail = mutedStyle.Render(r.Address)
		}
		rows = append(rows, []string{r.Tag, r.Name, state, players, evo, detail})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		Headers("SERVER", "NAME", "STATE", "PLAYERS", "EVOLUTION", "DETAIL").
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headStyle
			}
			return cellStyle
		})
	fmt.Fprintln(w, t.Render())
}
