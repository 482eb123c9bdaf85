package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/fnscraper/internal/schedule"
)

type addOptions struct {
	timezone    string
	cron        string
	cronMax     time.Duration
	period      time.Duration
	cooldown    time.Duration
	blackouts   []string
	maxExpected time.Duration
	maxAllowed  time.Duration
}

func newAddCmd() *cobra.Command {
	opts := &addOptions{}
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create or update a schedule",
		Long: `Creates a schedule, or replaces the scheduling fields of an existing one.
Exactly one of --cron and --period is required; --cron needs --cron-max-duration
and --period needs --cooldown. Run history fields are left untouched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStores(cmd, func(ctx context.Context, _ *env, st stores) error {
				sc, err := st.schedules.Get(ctx, args[0])
				switch {
				case errors.Is(err, schedule.ErrNotFound):
					sc = schedule.Schedule{Name: args[0]}
				case err != nil:
					return err
				}
				if err := opts.apply(&sc); err != nil {
					return err
				}
				if err := sc.Validate(); err != nil {
					return err
				}
				if err := st.schedules.Upsert(ctx, sc); err != nil {
					return fmt.Errorf("save %s: %w", sc.Name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: saved\n", sc.Name)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.timezone, "timezone", "UTC", "IANA zone for cron and blackout windows")
	f.StringVar(&opts.cron, "cron", "", "five-field cron expression or descriptor")
	f.DurationVar(&opts.cronMax, "cron-max-duration", 0, "how long after a cron tick a run may still start")
	f.DurationVar(&opts.period, "period", 0, "run every period")
	f.DurationVar(&opts.cooldown, "cooldown", 0, "minimum gap after a failed run")
	f.StringArrayVar(&opts.blackouts, "blackout", nil, "HH:MM-HH:MM local window with no starts (repeatable)")
	f.DurationVar(&opts.maxExpected, "max-expected", 0, "warn when a run exceeds this")
	f.DurationVar(&opts.maxAllowed, "max-allowed", 0, "terminate a run that exceeds this")
	return cmd
}

func (o *addOptions) apply(sc *schedule.Schedule) error {
	sc.Timezone = o.timezone
	sc.CronSchedule = o.cron
	sc.CronMaxScheduleDuration = o.cronMax
	sc.SchedulingPeriod = o.period
	sc.CooldownDuration = o.cooldown
	sc.MaxExpectedDuration = o.maxExpected
	sc.MaxAllowedDuration = o.maxAllowed
	sc.BlackoutPeriods = nil
	for _, raw := range o.blackouts {
		start, end, ok := strings.Cut(raw, "-")
		if !ok {
			return fmt.Errorf("--blackout %q: want HH:MM-HH:MM", raw)
		}
		b, err := schedule.ParseBlackout(start, end)
		if err != nil {
			return fmt.Errorf("--blackout %q: %w", raw, err)
		}
		sc.BlackoutPeriods = append(sc.BlackoutPeriods, b)
	}
	return nil
}

func newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>...",
		Short: "Delete schedules",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStores(cmd, func(ctx context.Context, _ *env, st stores) error {
				for _, name := range args {
					if err := st.schedules.Delete(ctx, name); err != nil {
						return fmt.Errorf("remove %s: %w", name, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: removed\n", name)
				}
				return nil
			})
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List schedules and how they are triggered",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStores(cmd, func(ctx context.Context, _ *env, st stores) error {
				rows, err := st.schedules.List(ctx)
				if err != nil {
					return err
				}
				t := table.NewWriter()
				t.SetOutputMirror(cmd.OutOrStdout())
				t.SetStyle(table.StyleLight)
				t.AppendHeader(table.Row{"Name", "Timezone", "Trigger", "Blackouts", "Max Allowed"})
				for _, sc := range rows {
					t.AppendRow(table.Row{sc.Name, sc.Timezone, trigger(sc), blackouts(sc), orDash(sc.MaxAllowedDuration)})
				}
				t.Render()
				return nil
			})
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [name]...",
		Short: "Show each schedule's last runs and what it will do next",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStores(cmd, func(ctx context.Context, _ *env, st stores) error {
				var rows []schedule.Schedule
				if len(args) == 0 {
					all, err := st.schedules.List(ctx)
					if err != nil {
						return err
					}
					rows = all
				}
				for _, name := range args {
					sc, err := st.schedules.Get(ctx, name)
					if err != nil {
						return fmt.Errorf("status %s: %w", name, err)
					}
					rows = append(rows, sc)
				}

				now := newClock().Now()
				t := table.NewWriter()
				t.SetOutputMirror(cmd.OutOrStdout())
				t.SetStyle(table.StyleLight)
				t.AppendHeader(table.Row{"Name", "Status", "Last Start", "Last Good End", "Avg Good", "Last Failed", "Requests"})
				for _, sc := range rows {
					avg := "-"
					if sc.AverageGoodDuration != nil {
						avg = sc.AverageGoodDuration.Round(time.Second).String()
					}
					t.AppendRow(table.Row{
						sc.Name,
						schedule.Describe(sc, now, now),
						stamp(sc.LastStartAt),
						stamp(sc.LastGoodEndAt),
						avg,
						sc.LastRunFailed(),
						requests(sc),
					})
				}
				t.Render()
				return nil
			})
		},
	}
}

func trigger(sc schedule.Schedule) string {
	if sc.CronSchedule != "" {
		return fmt.Sprintf("cron %q within %s", sc.CronSchedule, sc.CronMaxScheduleDuration)
	}
	return fmt.Sprintf("every %s, cooldown %s", sc.SchedulingPeriod, sc.CooldownDuration)
}

func blackouts(sc schedule.Schedule) string {
	if len(sc.BlackoutPeriods) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(sc.BlackoutPeriods))
	for _, b := range sc.BlackoutPeriods {
		parts = append(parts, b.Start.String()+"-"+b.End.String())
	}
	return strings.Join(parts, ", ")
}

func requests(sc schedule.Schedule) string {
	var out []string
	if sc.RunImmediately != nil {
		out = append(out, "run-now")
	}
	if sc.KillImmediately {
		out = append(out, "kill")
	}
	if len(out) == 0 {
		return "-"
	}
	return strings.Join(out, ",")
}

func stamp(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}

func orDash(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.String()
}
