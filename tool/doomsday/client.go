// Doomsday
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/gravitational/trace"
	"golang.org/x/term"

	"github.com/gravitational/doomsday/api"
	"github.com/gravitational/doomsday/lib/client"
	"github.com/gravitational/doomsday/lib/duration"
)

var (
	red    = color.New(color.FgRed, color.Bold)
	yellow = color.New(color.FgYellow)
	green  = color.New(color.FgGreen)
)

// expiringSoon is the window the CLI highlights in yellow and counts as
// "expiring" on the dashboard.
const expiringSoon = 30 * 24 * time.Hour

func runClientCommand(command string, cli *cliState) error {
	path, err := client.DefaultTargetPath()
	if err != nil {
		return trace.Wrap(err)
	}
	store, err := client.LoadTargetStore(path)
	if err != nil {
		return trace.Wrap(err)
	}
	ctx := context.Background()

	switch command {
	case "target":
		return runTarget(store, cli)
	case "targets":
		return runTargets(store)
	case "auth":
		return runAuth(ctx, store, cli)
	case "info":
		return runInfo(ctx, store)
	case "list":
		return runList(ctx, store, cli)
	case "dashboard":
		return runDashboard(ctx, store)
	case "backends":
		return runBackends(ctx, store)
	case "refresh":
		return runRefresh(ctx, store, cli)
	case "scheduler":
		return runScheduler(ctx, store)
	}
	return trace.NotFound("unknown command %q", command)
}

func runTarget(store *client.TargetStore, cli *cliState) error {
	if cli.targetName == "" {
		target, err := store.CurrentTarget()
		if err != nil {
			return trace.Wrap(err)
		}
		fmt.Printf("Currently targeting %s at %s\n", store.Current, target.Address)
		return nil
	}
	if cli.targetAddress == "" {
		// re-target a saved server by name
		if _, ok := store.Targets[cli.targetName]; !ok {
			return trace.NotFound("no target named %q, give an address to create it", cli.targetName)
		}
		store.Current = cli.targetName
	} else {
		store.Set(cli.targetName, client.Target{
			Address:    strings.TrimSuffix(cli.targetAddress, "/"),
			SkipVerify: cli.targetSkipVerify,
		})
	}
	if err := store.Save(); err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("Now targeting %s at %s\n", store.Current, store.Targets[store.Current].Address)
	return nil
}

func runTargets(store *client.TargetStore) error {
	if len(store.Targets) == 0 {
		fmt.Println("No targets saved, run `doomsday target <name> <address>` first")
		return nil
	}
	names := make([]string, 0, len(store.Targets))
	for name := range store.Targets {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\t")
	for _, name := range names {
		marker := ""
		if name == store.Current {
			marker = " (current)"
		}
		fmt.Fprintf(w, "%s%s\t%s\t\n", name, marker, store.Targets[name].Address)
	}
	return trace.Wrap(w.Flush())
}

func runAuth(ctx context.Context, store *client.TargetStore, cli *cliState) error {
	target, err := store.CurrentTarget()
	if err != nil {
		return trace.Wrap(err)
	}
	clt, err := store.Client()
	if err != nil {
		return trace.Wrap(err)
	}

	username := cli.username
	if username == "" {
		fmt.Print("Username: ")
		if _, err := fmt.Scanln(&username); err != nil {
			return trace.BadParameter("a username is required")
		}
	}
	fmt.Print("Password: ")
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return trace.Wrap(err)
	}

	session, err := clt.Auth(ctx, username, string(password))
	if err != nil {
		return trace.Wrap(err)
	}
	target.Token = session.Token
	if err := store.Save(); err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("Authenticated, session valid until %s\n", session.ExpiresAt.Local().Format(time.RFC1123))
	return nil
}

func runInfo(ctx context.Context, store *client.TargetStore) error {
	clt, err := store.Client()
	if err != nil {
		return trace.Wrap(err)
	}
	info, err := clt.Info(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("Server version: %s\n", info.Version)
	if info.AuthRequired {
		fmt.Println("Authentication:  required (run `doomsday auth`)")
	} else {
		fmt.Println("Authentication:  none")
	}
	return nil
}

func runList(ctx context.Context, store *client.TargetStore, cli *cliState) error {
	if cli.within != "" && cli.beyond != "" {
		return trace.BadParameter("--within and --beyond are mutually exclusive")
	}
	clt, err := store.Client()
	if err != nil {
		return trace.Wrap(err)
	}

	var items []api.CacheItem
	switch {
	case cli.within != "":
		items, err = clt.CacheWithin(ctx, cli.within)
	case cli.beyond != "":
		items, err = clt.CacheBeyond(ctx, cli.beyond)
	default:
		items, err = clt.Cache(ctx)
	}
	if err != nil {
		return trace.Wrap(err)
	}
	if len(items) == 0 {
		fmt.Println("No certificates matched")
		return nil
	}

	now := time.Now()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EXPIRES IN\tNOT AFTER\tSUBJECT\tSEEN AT\t")
	for _, item := range items {
		paths := make([]string, 0, len(item.Paths))
		for _, p := range item.Paths {
			paths = append(paths, p.Backend+":"+p.Path)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t\n",
			expiryCell(item.NotAfter, now),
			item.NotAfter.UTC().Format("2006-01-02 15:04 MST"),
			item.Subject,
			strings.Join(paths, ", "),
		)
	}
	return trace.Wrap(w.Flush())
}

// expiryCell renders time-to-expiry, colored by urgency, with a
// humanized hint ("3 days from now") alongside the compact form.
func expiryCell(notAfter, now time.Time) string {
	left := notAfter.Sub(now)
	switch {
	case left <= 0:
		return red.Sprintf("EXPIRED (%s)", humanize.Time(notAfter))
	case left <= expiringSoon:
		return yellow.Sprintf("%s (%s)", duration.Format(left), humanize.Time(notAfter))
	default:
		return green.Sprint(duration.Format(left))
	}
}

func runDashboard(ctx context.Context, store *client.TargetStore) error {
	clt, err := store.Client()
	if err != nil {
		return trace.Wrap(err)
	}
	items, err := clt.Cache(ctx)
	if err != nil {
		return trace.Wrap(err)
	}

	now := time.Now()
	var expired, expiring, ok int
	var worst *api.CacheItem
	for i, item := range items {
		left := item.NotAfter.Sub(now)
		switch {
		case left <= 0:
			expired++
		case left <= expiringSoon:
			expiring++
		default:
			ok++
		}
		if worst == nil || item.NotAfter.Before(worst.NotAfter) {
			worst = &items[i]
		}
	}

	fmt.Printf("Tracking %d certificates\n\n", len(items))
	red.Printf("  expired:     %d\n", expired)
	yellow.Printf("  expiring:    %d (within %s)\n", expiring, duration.Format(expiringSoon))
	green.Printf("  ok:          %d\n", ok)
	if worst != nil && worst.NotAfter.Sub(now) <= expiringSoon {
		fmt.Printf("\nMost urgent: %s (%s)\n", worst.Subject, humanize.Time(worst.NotAfter))
	}
	return nil
}

func runBackends(ctx context.Context, store *client.TargetStore) error {
	clt, err := store.Client()
	if err != nil {
		return trace.Wrap(err)
	}
	statuses, err := clt.Backends(ctx)
	if err != nil {
		return trace.Wrap(err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BACKEND\tLAST REFRESH\tCERTS\tPATHS\tSKIPPED\tTOOK\tSTATUS\t")
	for _, s := range statuses {
		lastRefresh := "never"
		if !s.LastRefresh.IsZero() {
			lastRefresh = humanize.Time(s.LastRefresh)
		}
		status := green.Sprint("ok")
		if s.LastError != "" {
			status = red.Sprintf("%s: %s", s.ErrorKind, s.LastError)
		} else if s.LastRefresh.IsZero() {
			status = yellow.Sprint("pending")
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%dms\t%s\t\n",
			s.Name, lastRefresh, s.NumCerts, s.NumPaths, s.Skipped, s.DurationMS, status)
	}
	return trace.Wrap(w.Flush())
}

func runRefresh(ctx context.Context, store *client.TargetStore, cli *cliState) error {
	clt, err := store.Client()
	if err != nil {
		return trace.Wrap(err)
	}
	resp, err := clt.Refresh(ctx, cli.backends)
	if err != nil {
		return trace.Wrap(err)
	}
	names := make([]string, 0, len(resp.TaskIDs))
	for name := range resp.TaskIDs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("Queued refresh of %s (task %s)\n", name, resp.TaskIDs[name])
	}
	fmt.Println("Watch progress with `doomsday scheduler`")
	return nil
}

func runScheduler(ctx context.Context, store *client.TargetStore) error {
	clt, err := store.Client()
	if err != nil {
		return trace.Wrap(err)
	}
	info, err := clt.SchedulerInfo(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("Workers:       %d\n", info.Workers)
	fmt.Printf("Pending tasks: %d\n", info.PendingTasks)
	fmt.Printf("Running tasks: %d\n", info.RunningTasks)
	return nil
}
