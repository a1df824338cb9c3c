package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/savaki/run-deployer/internal/dao/historydao"
	"github.com/savaki/run-deployer/internal/di"
	"github.com/savaki/run-deployer/internal/shell"
	"github.com/urfave/cli/v2"
)

var (
	historyStatusSuccess    = color.New(color.FgGreen).SprintFunc()
	historyStatusFailed     = color.New(color.FgRed).SprintFunc()
	historyStatusInProgress = color.New(color.FgYellow).SprintFunc()
)

func HistoryCommand(logger *zerolog.Logger, runner shell.Runner) *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "List recent deploy runs",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "number of runs to show",
				Value:   20,
			},
			&cli.BoolFlag{
				Name:  "all",
				Usage: "show runs of every service, not only the configured one",
			},
			&cli.StringFlag{
				Name:  "run",
				Usage: "show one run and its state transitions",
			},
			&cli.StringFlag{
				Name:  "format",
				Usage: "table or json",
				Value: "table",
			},
		},
		Action: func(c *cli.Context) error {
			return historyAction(c, logger, runner)
		},
	}
}

func historyAction(c *cli.Context, logger *zerolog.Logger, runner shell.Runner) error {
	env, err := newCommandEnv(c, logger, runner)
	if err != nil {
		return err
	}
	defer env.close()

	dao, err := di.Get[*historydao.DAO](env.container)
	if err != nil {
		return err
	}

	if id := c.String("run"); id != "" {
		return showRun(env, c, dao, id)
	}

	service := env.cfg.Service
	if c.Bool("all") {
		service = ""
	}
	records, err := dao.List(env.ctx, service, c.Int("limit"))
	if err != nil {
		return err
	}

	switch c.String("format") {
	case "json":
		encoder := json.NewEncoder(c.App.Writer)
		encoder.SetIndent("", "  ")
		return encoder.Encode(records)
	case "table":
		return writeHistoryTable(c.App.Writer, records)
	default:
		return fmt.Errorf("unsupported format %q (expected table or json)", c.String("format"))
	}
}

// runDetail is a run with its transitions, as printed by history --run.
type runDetail struct {
	historydao.Record
	Transitions []historydao.Transition
}

func showRun(env *commandEnv, c *cli.Context, dao *historydao.DAO, id string) error {
	record, err := dao.Find(env.ctx, id)
	if err != nil {
		return err
	}
	transitions, err := dao.Transitions(env.ctx, id)
	if err != nil {
		return err
	}

	switch c.String("format") {
	case "json":
		encoder := json.NewEncoder(c.App.Writer)
		encoder.SetIndent("", "  ")
		return encoder.Encode(runDetail{Record: record, Transitions: transitions})
	case "table":
		return writeRunDetail(c.App.Writer, record, transitions)
	default:
		return fmt.Errorf("unsupported format %q (expected table or json)", c.String("format"))
	}
}

func writeRunDetail(w io.Writer, r historydao.Record, transitions []historydao.Transition) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Run:\t%s\n", r.ID)
	fmt.Fprintf(tw, "Service:\t%s (%s/%s)\n", r.Service, r.Project, r.Region)
	fmt.Fprintf(tw, "Image:\t%s\n", r.Image)
	if r.Digest != "" {
		fmt.Fprintf(tw, "Digest:\t%s\n", r.Digest)
	}
	fmt.Fprintf(tw, "Status:\t%s\n", colorStatus(r.Status))
	fmt.Fprintf(tw, "Duration:\t%s\n", duration(r))
	if r.ErrorMsg != nil {
		fmt.Fprintf(tw, "Error:\t%s\n", *r.ErrorMsg)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "STATE\tAT")
	for _, t := range transitions {
		fmt.Fprintf(tw, "%s\t%s\n", t.State, time.Unix(0, t.At).Local().Format("2006-01-02 15:04:05.000"))
	}
	return tw.Flush()
}

func writeHistoryTable(w io.Writer, records []historydao.Record) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSERVICE\tREGION\tSTATUS\tSTATE\tSTARTED\tDURATION")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID,
			r.Service,
			r.Region,
			colorStatus(r.Status),
			r.State,
			time.Unix(r.CreatedAt, 0).Local().Format(time.DateTime),
			duration(r),
		)
	}
	return tw.Flush()
}

func colorStatus(status historydao.RunStatus) string {
	switch status {
	case historydao.RunStatusSuccess:
		return historyStatusSuccess(string(status))
	case historydao.RunStatusFailed:
		return historyStatusFailed(string(status))
	default:
		return historyStatusInProgress(string(status))
	}
}

func duration(r historydao.Record) string {
	if r.FinishedAt == nil {
		return "-"
	}
	return (time.Duration(*r.FinishedAt-r.CreatedAt) * time.Second).String()
}
