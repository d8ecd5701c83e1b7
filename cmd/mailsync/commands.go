package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"

	"github.com/nhle/mailsync/internal/app"
	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/logging"
	"github.com/nhle/mailsync/internal/model"
	appsync "github.com/nhle/mailsync/internal/sync"
)

var cmdAdd = &cli.Command{
	Name:      "add",
	Usage:     "Register a store",
	ArgsUsage: "[uri]",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "archived", Usage: "Do not add the inbox label to new messages"},
		&cli.BoolFlag{Name: "unusual", Usage: "Only poll this store on request"},
		&cli.BoolFlag{Name: "sync-back", Usage: "Allow label edits to be written back"},
		&cli.StringSliceFlag{Name: "label", Aliases: []string{"l"}, Usage: "Label added to every message of the store"},
	},
	Action: runAdd,
}

var cmdList = &cli.Command{
	Name:   "list",
	Usage:  "List registered stores",
	Action: runList,
}

var cmdRemove = &cli.Command{
	Name:      "remove",
	Usage:     "Unregister a store",
	ArgsUsage: "<id>",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "purge", Usage: "Also delete the store's messages from the index"},
	},
	Action: runRemove,
}

var cmdPoll = &cli.Command{
	Name:  "poll",
	Usage: "Poll stores once for new messages",
	Flags: []cli.Flag{
		&cli.Int64SliceFlag{Name: "store", Aliases: []string{"s"}, Usage: "Store id to poll, repeatable"},
		&cli.BoolFlag{Name: "all", Usage: "Include unusual stores"},
		&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "Hide the progress bar"},
	},
	Action: runPoll,
}

var cmdRebuild = &cli.Command{
	Name:  "rebuild",
	Usage: "Rescan a store from its start and rederive every locator",
	Flags: []cli.Flag{
		&cli.Int64Flag{Name: "store", Aliases: []string{"s"}, Required: true, Usage: "Store id"},
	},
	Action: runRebuild,
}

var cmdSearch = &cli.Command{
	Name:      "search",
	Usage:     "Search the index",
	ArgsUsage: "<query>",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "limit", Value: 50, Usage: "Maximum number of results"},
	},
	Action: runSearch,
}

var cmdWatch = &cli.Command{
	Name:   "watch",
	Usage:  "Show store status and poll in the background",
	Action: runWatch,
}

type addForm struct {
	kind   string
	uri    string
	labels string
}

// promptStore asks for the store location when none was given.
func promptStore() (addForm, error) {
	var f addForm
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Store type").
				Options(
					huh.NewOption("mbox - local mbox file", string(model.StoreKindMbox)),
					huh.NewOption("maildir - local maildir directory", string(model.StoreKindMaildir)),
					huh.NewOption("mbox+ssh - mbox file on a remote host", string(model.StoreKindRemoteMbox)),
					huh.NewOption("imaps - IMAP over TLS", string(model.StoreKindIMAPS)),
					huh.NewOption("imap - plain IMAP", string(model.StoreKindIMAP)),
				).
				Value(&f.kind),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Location").
				DescriptionFunc(func() string { return locationHint(f.kind) }, &f.kind).
				Value(&f.uri).
				Validate(validateRequired("Location")),
			huh.NewInput().
				Title("Labels").
				Description("Optional, comma separated").
				Value(&f.labels),
		),
	)
	if err := form.Run(); err != nil {
		return f, err
	}
	if !strings.Contains(f.uri, "://") {
		f.uri = f.kind + "://" + strings.TrimSpace(f.uri)
	}
	return f, nil
}

func locationHint(kind string) string {
	switch model.StoreKind(kind) {
	case model.StoreKindMbox:
		return "Path to the mbox file, e.g. /var/mail/me"
	case model.StoreKindMaildir:
		return "Path to the maildir, e.g. /home/me/Maildir"
	case model.StoreKindRemoteMbox:
		return "user@host/path, e.g. me@shell.example.com/~/mbox"
	default:
		return "user@host/Mailbox, e.g. me@imap.example.com/INBOX"
	}
}

func validateRequired(field string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
}

// promptPassword reads a secret for stores that authenticate.
func promptPassword(rec model.StoreRecord) (string, error) {
	var pw string
	desc := "Stored in the system keyring"
	if rec.Kind() == model.StoreKindRemoteMbox {
		desc += "; leave empty to use an SSH key"
	}
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Password for " + rec.URI).
				Description(desc).
				EchoMode(huh.EchoModePassword).
				Value(&pw),
		),
	).Run()
	return pw, err
}

func needsPassword(kind model.StoreKind) bool {
	switch kind {
	case model.StoreKindIMAP, model.StoreKindIMAPS, model.StoreKindRemoteMbox:
		return true
	}
	return false
}

func runAdd(c *cli.Context) error {
	ctx, cancel := installSignals(c.Context)
	defer cancel()

	uri := c.Args().First()
	labels := c.StringSlice("label")
	if uri == "" {
		f, err := promptStore()
		if err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				return nil
			}
			return err
		}
		uri = f.uri
		for _, l := range strings.Split(f.labels, ",") {
			labels = append(labels, strings.TrimSpace(l))
		}
	}

	rt, err := openRuntime(ctx, c)
	if err != nil {
		return err
	}
	defer rt.Close()

	rec, err := app.AddStore(ctx, rt.Store, model.StoreRecord{
		URI:      uri,
		Usual:    !c.Bool("unusual"),
		Archived: c.Bool("archived"),
		SyncBack: c.Bool("sync-back"),
		Labels:   labels,
	})
	if err != nil {
		return err
	}

	if needsPassword(rec.Kind()) {
		pw, err := promptPassword(rec)
		if err != nil && !errors.Is(err, huh.ErrUserAborted) {
			return err
		}
		if pw != "" {
			if err := credential.Set(credential.StoreKey(rec.ID), pw); err != nil {
				return fmt.Errorf("saving password for store %d: %w", rec.ID, err)
			}
		}
	}

	fmt.Fprintf(c.App.Writer, "added store %d: %s\n", rec.ID, rec.URI)
	return nil
}

func runList(c *cli.Context) error {
	rt, err := openRuntime(c.Context, c)
	if err != nil {
		return err
	}
	defer rt.Close()

	for _, s := range rt.Engine.Statuses() {
		n, err := rt.Index.Count(c.Context, &s.Record.ID)
		if err != nil {
			return err
		}
		var flags []string
		if !s.Record.Usual {
			flags = append(flags, "unusual")
		}
		if s.Record.Archived {
			flags = append(flags, "archived")
		}
		if len(s.Record.Labels) > 0 {
			flags = append(flags, "labels="+strings.Join(s.Record.Labels, ","))
		}
		line := fmt.Sprintf("%3d  %-8s %s  %d messages", s.Record.ID, s.Record.Kind(), s.Record.URI, n)
		if len(flags) > 0 {
			line += "  [" + strings.Join(flags, " ") + "]"
		}
		if s.Err != nil {
			line += fmt.Sprintf("  (%s: %v)", s.State, s.Err)
		}
		fmt.Fprintln(c.App.Writer, line)
	}
	return nil
}

func parseStoreID(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("provide a store id")
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid store id %q", s)
	}
	return id, nil
}

func runRemove(c *cli.Context) error {
	ctx, cancel := installSignals(c.Context)
	defer cancel()

	id, err := parseStoreID(c.Args().First())
	if err != nil {
		return err
	}

	rt, err := openRuntime(ctx, c)
	if err != nil {
		return err
	}
	defer rt.Close()

	var rec *model.StoreRecord
	for _, s := range rt.Engine.Statuses() {
		if s.Record.ID == id {
			rec = &s.Record
			break
		}
	}
	if rec == nil {
		return fmt.Errorf("unknown store %d", id)
	}

	removed, err := app.RemoveStore(ctx, rt.Store, rt.Index, id, c.Bool("purge"))
	if err != nil {
		return err
	}
	if needsPassword(rec.Kind()) {
		if err := credential.Delete(credential.StoreKey(id)); err != nil {
			rt.Log.Warn().Err(err).Int64("store", id).Msg("removing stored password")
		}
	}

	fmt.Fprintf(c.App.Writer, "removed store %d", id)
	if c.Bool("purge") {
		fmt.Fprintf(c.App.Writer, " and %d messages", removed)
	}
	fmt.Fprintln(c.App.Writer)
	return nil
}

// pollTargets picks the stores a one-shot poll visits.
func pollTargets(statuses []appsync.StoreStatus, ids []int64, all bool) []appsync.StoreStatus {
	if len(ids) > 0 {
		want := make(map[int64]bool, len(ids))
		for _, id := range ids {
			want[id] = true
		}
		var out []appsync.StoreStatus
		for _, s := range statuses {
			if want[s.Record.ID] {
				out = append(out, s)
			}
		}
		return out
	}
	var out []appsync.StoreStatus
	for _, s := range statuses {
		if all || s.Record.Usual {
			out = append(out, s)
		}
	}
	return out
}

func runPoll(c *cli.Context) error {
	ctx, cancel := installSignals(c.Context)
	defer cancel()

	rt, err := openRuntime(ctx, c)
	if err != nil {
		return err
	}
	defer rt.Close()

	targets := pollTargets(rt.Engine.Statuses(), c.Int64Slice("store"), c.Bool("all"))
	if len(targets) == 0 {
		return fmt.Errorf("no stores to poll")
	}

	var progress *progressbar.ProgressBar
	if !c.Bool("quiet") {
		progress = progressbar.NewOptions(len(targets),
			progressbar.OptionSetWriter(c.App.ErrWriter),
			progressbar.OptionSetDescription("polling"),
		)
	}

	report := appsync.Report{Started: time.Now()}
	for _, s := range targets {
		if progress != nil {
			progress.Describe(s.Record.URI)
		}
		r := rt.Engine.PollStores(ctx, []int64{s.Record.ID})
		report.Results = append(report.Results, r.Results...)
		if progress != nil {
			_ = progress.Add(1)
		}
		if ctx.Err() != nil {
			break
		}
	}
	report.Finished = time.Now()
	if progress != nil {
		_ = progress.Finish()
		fmt.Fprintln(c.App.ErrWriter)
	}

	for _, res := range report.Results {
		line := fmt.Sprintf("%3d  %-9s %d added, %d moved", res.StoreID, res.Outcome, res.Added, res.Updated)
		if res.Err != nil {
			line += fmt.Sprintf("  %v", res.Err)
		}
		fmt.Fprintln(c.App.Writer, line)
	}
	fmt.Fprintln(c.App.Writer, report.Summary())

	if n := len(report.Problems()); n > 0 {
		return cli.Exit(fmt.Sprintf("%d store(s) failed", n), 2)
	}
	return nil
}

func runRebuild(c *cli.Context) error {
	ctx, cancel := installSignals(c.Context)
	defer cancel()

	rt, err := openRuntime(ctx, c)
	if err != nil {
		return err
	}
	defer rt.Close()

	res := rt.Engine.Rebuild(ctx, c.Int64("store"))
	if res.Err != nil {
		return fmt.Errorf("rebuilding store %d: %w", res.StoreID, res.Err)
	}
	fmt.Fprintf(c.App.Writer, "rebuilt store %d: %d added, %d moved, %d removed\n",
		res.StoreID, res.Added, res.Updated, res.Removed)
	return nil
}

func runSearch(c *cli.Context) error {
	q := strings.Join(c.Args().Slice(), " ")
	if q == "" {
		return fmt.Errorf("provide a query")
	}

	rt, err := openRuntime(c.Context, c)
	if err != nil {
		return err
	}
	defer rt.Close()

	entries, err := rt.Index.Search(c.Context, q, c.Int("limit"))
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Fprintf(c.App.Writer, "%s  %-40s  %s  [%s]\n",
			e.Date.Format("2006-01-02"), e.Subject, e.From, strings.Join(e.Labels, " "))
	}
	return nil
}

func runWatch(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log, closer, err := logging.File(cfg.LogLevel, cfg.LogPath())
	if err != nil {
		return err
	}
	defer closer.Close()

	rt, err := app.Open(c.Context, cfg, credential.Get, log)
	if err != nil {
		return err
	}
	defer rt.Close()

	p := appsync.NewPoller(rt.Engine, cfg.PollInterval(), log)
	prog := tea.NewProgram(app.New(rt, p), tea.WithAltScreen())
	_, err = prog.Run()
	p.Stop()
	return err
}
