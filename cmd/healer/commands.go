package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/loykin/healer"
	"github.com/loykin/healer/internal/store"
	"github.com/loykin/healer/pkg/client"
)

// command holds the shared state of the CLI; every method is one subcommand.
type command struct {
	global *GlobalFlags
	// opts are appended when a Healer is built; tests inject fakes here.
	opts []healer.Option
}

func (c command) config(args []string) (*healer.Config, error) {
	path := c.global.ConfigPath
	if len(args) > 0 {
		path = args[0]
	}
	cfg, err := healer.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}

// oneShot builds a Healer for a single operation without the API.
func (c command) oneShot(ctx context.Context) (*healer.Healer, error) {
	cfg, err := c.config(nil)
	if err != nil {
		return nil, err
	}
	cfg.Server.Enabled = false
	cfg.Metrics.Enabled = false
	return healer.New(ctx, cfg, c.opts...)
}

func (c command) Serve(ctx context.Context, args []string) error {
	cfg, err := c.config(args)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, err := healer.New(ctx, cfg, c.opts...)
	if err != nil {
		return err
	}
	defer func() { _ = h.Close() }()
	h.Logger().Info("healer started", "node", cfg.Node, "interval", cfg.Interval,
		"services", len(cfg.Services), "reboot", cfg.Reboot.Enabled)
	err = h.Run(ctx)
	h.Logger().Info("healer stopped")
	return err
}

func (c command) Check(ctx context.Context, out io.Writer) error {
	h, err := c.oneShot(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = h.Close() }()
	if err := h.Engine().Check(ctx); err != nil {
		_, _ = fmt.Fprintln(out, "unhealthy")
		return err
	}
	_, _ = fmt.Fprintln(out, "healthy")
	return nil
}

func (c command) Status(ctx context.Context, f APIFlags, out io.Writer) error {
	url := f.APIUrl
	if url == "" {
		cfg, err := c.config(nil)
		if err != nil {
			return err
		}
		scheme := "http://"
		if cfg.Server.TLS.Enabled {
			scheme = "https://"
		}
		url = scheme + cfg.Server.Listen + cfg.Server.BasePath
	}
	cc := client.Config{BaseURL: url, Timeout: f.APITimeout}
	if f.CACert != "" || f.Insecure {
		cc.TLS = &client.TLSClientConfig{CACert: f.CACert, SkipVerify: f.Insecure}
	}
	api, err := client.New(cc)
	if err != nil {
		return err
	}
	snap, err := api.Status(ctx)
	if err != nil {
		return err
	}
	return printJSON(out, snap)
}

func (c command) openStore(ctx context.Context) (healer.Store, error) {
	cfg, err := c.config(nil)
	if err != nil {
		return nil, err
	}
	return healer.OpenStore(ctx, cfg)
}

func (c command) AuditActions(ctx context.Context, f AuditFlags, out io.Writer) error {
	st, err := c.openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	filter := store.ActionFilter{Target: f.Target, ActionType: f.Action, Limit: f.Limit}
	if f.Since > 0 {
		filter.Since = time.Now().Add(-f.Since)
	}
	rows, err := st.ListActions(ctx, filter)
	if err != nil {
		return err
	}
	if f.JSON {
		return printJSON(out, rows)
	}
	return table(out, []string{"AT", "CATEGORY", "ACTION", "TARGET", "OUTCOME", "DETAIL"}, len(rows), func(i int) []string {
		r := rows[i]
		return []string{stamp(r.At), r.Severity, r.ActionType, r.Target, r.Outcome, r.Detail}
	})
}

func (c command) AuditFailures(ctx context.Context, f AuditFlags, out io.Writer) error {
	st, err := c.openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	rows, err := st.ListFailures(ctx, f.Target, f.Limit)
	if err != nil {
		return err
	}
	if f.JSON {
		return printJSON(out, rows)
	}
	return table(out, []string{"AT", "SERVICE", "CATEGORY", "RESOLVED"}, len(rows), func(i int) []string {
		r := rows[i]
		return []string{stamp(r.OccurredAt), r.Service, r.Category, fmt.Sprint(r.Resolved)}
	})
}

func (c command) AuditReboots(ctx context.Context, f AuditFlags, out io.Writer) error {
	st, err := c.openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	rows, err := st.ListReboots(ctx, f.Limit)
	if err != nil {
		return err
	}
	if f.JSON {
		return printJSON(out, rows)
	}
	return table(out, []string{"AT", "ID", "BYPASSED", "VALIDATED", "REASON"}, len(rows), func(i int) []string {
		r := rows[i]
		validated := "-"
		if r.ValidatedAt != nil {
			validated = stamp(*r.ValidatedAt)
		}
		return []string{stamp(r.At), r.ID, fmt.Sprint(r.Bypassed), validated, r.Reason}
	})
}

func (c command) AuditUpdates(ctx context.Context, f AuditFlags, out io.Writer) error {
	st, err := c.openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	var rows []store.UpdateEvent
	if f.Active {
		rows, err = st.ActiveUpdates(ctx)
	} else {
		rows, err = st.ListUpdates(ctx, f.Limit)
	}
	if err != nil {
		return err
	}
	if f.JSON {
		return printJSON(out, rows)
	}
	return updateTable(out, rows)
}

func (c command) ValidateReboot(ctx context.Context) error {
	h, err := c.oneShot(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = h.Close() }()
	h.Engine().ValidateReboot(ctx)
	return nil
}

// WatchUpdates runs the update watcher as its own process.
func (c command) WatchUpdates(ctx context.Context, args []string) error {
	cfg, err := c.config(args)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	u, err := healer.NewUpdateWatcher(ctx, cfg, c.opts...)
	if err != nil {
		return err
	}
	defer func() { _ = u.Close() }()
	u.Logger().Info("update watcher started", "roots", cfg.Updates.Roots, "staging", cfg.Updates.StagingDir)
	err = u.Run(ctx)
	u.Logger().Info("update watcher stopped")
	return err
}

func (c command) ScanUpdates(ctx context.Context, out io.Writer) error {
	cfg, err := c.config(nil)
	if err != nil {
		return err
	}
	u, err := healer.NewUpdateWatcher(ctx, cfg, c.opts...)
	if err != nil {
		return err
	}
	defer func() { _ = u.Close() }()
	rows, err := u.Scan(ctx)
	if len(rows) > 0 {
		if terr := updateTable(out, rows); terr != nil {
			return terr
		}
	}
	return err
}

func updateTable(out io.Writer, rows []store.UpdateEvent) error {
	return table(out, []string{"AT", "STATUS", "BUNDLE", "SOURCE", "DIGEST", "DETAIL"}, len(rows), func(i int) []string {
		r := rows[i]
		return []string{stamp(r.At), r.Status, r.Bundle, r.Source, r.Digest, r.Detail}
	})
}

func table(out io.Writer, header []string, n int, row func(i int) []string) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, strings.Join(header, "\t"))
	for i := 0; i < n; i++ {
		_, _ = fmt.Fprintln(tw, strings.Join(row(i), "\t"))
	}
	return tw.Flush()
}

func stamp(t time.Time) string { return t.Local().Format(time.DateTime) }

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
