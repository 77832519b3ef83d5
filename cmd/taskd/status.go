package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/nhle/task-sync/internal/store"
	"github.com/nhle/task-sync/internal/theme"
)

// userSummary is one row of the status report.
type userSummary struct {
	Username         string
	Tasks            int
	PendingReminders int
	Subscriptions    int
	Version          int64
	UpdatedAt        time.Time
}

// statusReport is everything the status command prints.
type statusReport struct {
	Database       string
	PushConfigured bool
	ScannerEnabled bool
	Users          []userSummary

	// Orphans are users with subscriptions but no stored collection.
	Orphans []userSummary
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show stored collections and push subscriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := buildStatusReport(commandContext(cmd), a.store, time.Now(), a.cfg.Reminder.Window)
			if err != nil {
				return err
			}
			report.Database = a.cfg.Database.Path
			report.PushConfigured = a.dispatcher.Configured()
			report.ScannerEnabled = a.cfg.Reminder.Enabled

			renderStatus(cmd.OutOrStdout(), report, time.Now())
			return nil
		},
	}
}

type statusSource interface {
	store.CollectionStore
	CountSubscriptionsByUser(ctx context.Context) (map[string]int, error)
}

// buildStatusReport summarizes every stored collection. A reminder counts
// as pending when it has not fired and its window has not yet closed.
func buildStatusReport(ctx context.Context, s statusSource, now time.Time, window time.Duration) (statusReport, error) {
	collections, err := s.ListCollections(ctx)
	if err != nil {
		return statusReport{}, err
	}
	counts, err := s.CountSubscriptionsByUser(ctx)
	if err != nil {
		return statusReport{}, err
	}

	nowMs := now.UnixMilli()
	windowMs := window.Milliseconds()

	var report statusReport
	for _, c := range collections {
		row := userSummary{
			Username:      c.Username,
			Subscriptions: counts[c.Username],
			Version:       c.Version,
			UpdatedAt:     c.UpdatedAt,
		}
		for _, task := range c.Tasks {
			if task.Deleted {
				continue
			}
			row.Tasks++
			if task.Remindable() && !task.Notified() && nowMs < *task.RemindAt+windowMs {
				row.PendingReminders++
			}
		}
		report.Users = append(report.Users, row)
		delete(counts, c.Username)
	}

	for username, n := range counts {
		report.Orphans = append(report.Orphans, userSummary{Username: username, Subscriptions: n})
	}
	sort.Slice(report.Orphans, func(i, j int) bool {
		return report.Orphans[i].Username < report.Orphans[j].Username
	})

	return report, nil
}

func renderStatus(w io.Writer, r statusReport, now time.Time) {
	var b strings.Builder

	b.WriteString(theme.HeaderStyle.Render("taskd status"))
	b.WriteString("\n\n")
	writeField(&b, "database", r.Database)
	writeField(&b, "push", stateLabel(r.PushConfigured, "configured", "not configured"))
	writeField(&b, "scanner", stateLabel(r.ScannerEnabled, "enabled", "disabled"))
	b.WriteString("\n")

	if len(r.Users) == 0 {
		b.WriteString(theme.HelpStyle.Render("No collections stored yet."))
		b.WriteString("\n")
	} else {
		rows := make([][]string, 0, len(r.Users))
		for _, u := range r.Users {
			rows = append(rows, []string{
				u.Username,
				strconv.Itoa(u.Tasks),
				theme.CountStyle(u.PendingReminders, true).Render(strconv.Itoa(u.PendingReminders)),
				theme.CountStyle(u.Subscriptions, false).Render(strconv.Itoa(u.Subscriptions)),
				strconv.FormatInt(u.Version, 10),
				humanize.RelTime(u.UpdatedAt, now, "ago", "from now"),
			})
		}

		t := table.New().
			Border(lipgloss.RoundedBorder()).
			BorderStyle(theme.BorderStyle).
			StyleFunc(func(row, col int) lipgloss.Style {
				if row == table.HeaderRow {
					return theme.TableHeaderStyle
				}
				return theme.TableCellStyle
			}).
			Headers("USER", "TASKS", "PENDING", "DEVICES", "VERSION", "UPDATED").
			Rows(rows...)
		b.WriteString(t.Render())
		b.WriteString("\n")
	}

	if len(r.Orphans) > 0 {
		names := make([]string, 0, len(r.Orphans))
		for _, o := range r.Orphans {
			names = append(names, fmt.Sprintf("%s (%d)", o.Username, o.Subscriptions))
		}
		b.WriteString("\n")
		b.WriteString(theme.HelpStyle.Render("Subscribed without a collection: " + strings.Join(names, ", ")))
		b.WriteString("\n")
	}

	fmt.Fprint(w, b.String())
}

func writeField(b *strings.Builder, label, value string) {
	b.WriteString(theme.LabelStyle.Render(label))
	b.WriteString(value)
	b.WriteString("\n")
}

func stateLabel(ok bool, yes, no string) string {
	if ok {
		return theme.StateStyle(true).Render(yes)
	}
	return theme.StateStyle(false).Render(no)
}
