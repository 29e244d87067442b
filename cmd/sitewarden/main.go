// Copyright 2026 The SiteWarden Authors
// SPDX-License-Identifier: Apache-2.0

// Sitewarden is the operator CLI for a running sitewardend. It speaks
// the control socket protocol; all policy (tenant isolation, backup
// guarantees, task state) lives in the daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/sitewarden/sitewarden/lib/ipc"
	"github.com/sitewarden/sitewarden/lib/version"
)

const defaultSocket = "/run/sitewarden/control.sock"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()
		return fmt.Errorf("subcommand required")
	}

	switch os.Args[1] {
	case "site":
		return runSite(os.Args[2:])
	case "task":
		return runTask(os.Args[2:])
	case "message":
		return runMessage(os.Args[2:])
	case "status":
		return runStatus(os.Args[2:])
	case "version":
		fmt.Printf("sitewarden %s\n", version.Info())
		return nil
	case "-h", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown subcommand: %q", os.Args[1])
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: sitewarden <subcommand> [flags]

Subcommands:
  site create|list    Manage a tenant's sites
  task submit|status|cancel
                      Manage maintenance tasks
  message             Append a message to a site's conversation
  status              Daemon liveness and version
  version             Print version information

Run 'sitewarden <subcommand> --help' for subcommand flags.
`)
}

// connection holds the flags shared by every daemon-talking
// subcommand.
type connection struct {
	socketPath string
	tenantID   string
	timeout    time.Duration
}

func (c *connection) addFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&c.socketPath, "socket", defaultSocket, "daemon control socket")
	flagSet.StringVar(&c.tenantID, "tenant", "", "tenant ID (required)")
	flagSet.DurationVar(&c.timeout, "timeout", 10*time.Second, "request timeout")
}

func (c *connection) call(request ipc.Request) (ipc.Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	request.TenantID = c.tenantID
	response, err := ipc.Call(ctx, c.socketPath, request)
	if err != nil {
		return ipc.Response{}, err
	}
	if !response.OK {
		return ipc.Response{}, fmt.Errorf("%s", response.Error)
	}
	return response, nil
}

func parseFlags(flagSet *pflag.FlagSet, conn *connection, args []string, needTenant bool) (bool, error) {
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return true, nil
		}
		return false, err
	}
	if needTenant && conn.tenantID == "" {
		return false, fmt.Errorf("--tenant is required")
	}
	return false, nil
}

func runSite(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: sitewarden site create|list [flags]")
	}
	var conn connection
	switch args[0] {
	case "create":
		var name, url string
		flagSet := pflag.NewFlagSet("site create", pflag.ContinueOnError)
		conn.addFlags(flagSet)
		flagSet.StringVar(&name, "name", "", "display name (required)")
		flagSet.StringVar(&url, "url", "", "site URL (required)")
		if done, err := parseFlags(flagSet, &conn, args[1:], true); done || err != nil {
			return err
		}
		if name == "" || url == "" {
			return fmt.Errorf("--name and --url are required")
		}
		response, err := conn.call(ipc.Request{Action: ipc.ActionCreateSite, Name: name, URL: url})
		if err != nil {
			return err
		}
		fmt.Printf("%s\n", response.Site.ID)
		return nil

	case "list":
		flagSet := pflag.NewFlagSet("site list", pflag.ContinueOnError)
		conn.addFlags(flagSet)
		if done, err := parseFlags(flagSet, &conn, args[1:], true); done || err != nil {
			return err
		}
		response, err := conn.call(ipc.Request{Action: ipc.ActionListSites})
		if err != nil {
			return err
		}
		for _, site := range response.Sites {
			fmt.Printf("%s\t%s\t%s\t%s\n", site.ID, site.Status, site.Name, site.URL)
		}
		return nil

	default:
		return fmt.Errorf("unknown site subcommand: %q", args[0])
	}
}

func runTask(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: sitewarden task submit|status|cancel [flags]")
	}
	var conn connection
	switch args[0] {
	case "submit":
		var (
			siteID         string
			role           string
			operation      string
			mutating       bool
			idempotencyKey string
		)
		flagSet := pflag.NewFlagSet("task submit", pflag.ContinueOnError)
		conn.addFlags(flagSet)
		flagSet.StringVar(&siteID, "site", "", "site ID (required)")
		flagSet.StringVar(&role, "role", "", "agent role: pm, dev, qa, tech_lead (required)")
		flagSet.StringVar(&operation, "operation", "", "operation name (required)")
		flagSet.BoolVar(&mutating, "mutating", false, "task changes the site (forces a backup before dispatch)")
		flagSet.StringVar(&idempotencyKey, "idempotency-key", "", "dedupe key; resubmission returns the existing task")
		if done, err := parseFlags(flagSet, &conn, args[1:], true); done || err != nil {
			return err
		}
		if siteID == "" || role == "" || operation == "" {
			return fmt.Errorf("--site, --role, and --operation are required")
		}
		response, err := conn.call(ipc.Request{
			Action:         ipc.ActionSubmitTask,
			SiteID:         siteID,
			Role:           role,
			Operation:      operation,
			Mutating:       mutating,
			IdempotencyKey: idempotencyKey,
		})
		if err != nil {
			return err
		}
		if !response.Created {
			fmt.Fprintf(os.Stderr, "deduplicated to existing task\n")
		}
		fmt.Printf("%s\n", response.Task.ID)
		return nil

	case "status":
		var taskID string
		flagSet := pflag.NewFlagSet("task status", pflag.ContinueOnError)
		conn.addFlags(flagSet)
		flagSet.StringVar(&taskID, "task", "", "task ID (required)")
		if done, err := parseFlags(flagSet, &conn, args[1:], true); done || err != nil {
			return err
		}
		if taskID == "" {
			return fmt.Errorf("--task is required")
		}
		response, err := conn.call(ipc.Request{Action: ipc.ActionTaskStatus, TaskID: taskID})
		if err != nil {
			return err
		}
		task := response.Task
		fmt.Printf("task      %s\nsite      %s\nrole      %s\noperation %s\nstate     %s\nattempts  %d\n",
			task.ID, task.SiteID, task.Role, task.Operation, task.State, task.Attempts)
		if task.BackupID != "" {
			fmt.Printf("backup    %s\n", task.BackupID)
		}
		if task.LastError != "" {
			fmt.Printf("error     %s\n", task.LastError)
		}
		return nil

	case "cancel":
		var taskID string
		flagSet := pflag.NewFlagSet("task cancel", pflag.ContinueOnError)
		conn.addFlags(flagSet)
		flagSet.StringVar(&taskID, "task", "", "task ID (required)")
		if done, err := parseFlags(flagSet, &conn, args[1:], true); done || err != nil {
			return err
		}
		if taskID == "" {
			return fmt.Errorf("--task is required")
		}
		response, err := conn.call(ipc.Request{Action: ipc.ActionCancelTask, TaskID: taskID})
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", response.Task.ID, response.Task.State)
		return nil

	default:
		return fmt.Errorf("unknown task subcommand: %q", args[0])
	}
}

func runMessage(args []string) error {
	var (
		conn   connection
		siteID string
		author string
		body   string
	)
	flagSet := pflag.NewFlagSet("message", pflag.ContinueOnError)
	conn.addFlags(flagSet)
	flagSet.StringVar(&siteID, "site", "", "site ID (required)")
	flagSet.StringVar(&author, "author", "operator", "message author")
	flagSet.StringVar(&body, "body", "", "message body (required)")
	if done, err := parseFlags(flagSet, &conn, args, true); done || err != nil {
		return err
	}
	if siteID == "" || body == "" {
		return fmt.Errorf("--site and --body are required")
	}
	response, err := conn.call(ipc.Request{
		Action: ipc.ActionAppendMessage,
		SiteID: siteID,
		Author: author,
		Body:   body,
	})
	if err != nil {
		return err
	}
	fmt.Printf("message %d\n", response.Seq)
	return nil
}

func runStatus(args []string) error {
	var conn connection
	flagSet := pflag.NewFlagSet("status", pflag.ContinueOnError)
	conn.addFlags(flagSet)
	if done, err := parseFlags(flagSet, &conn, args, false); done || err != nil {
		return err
	}
	response, err := conn.call(ipc.Request{Action: ipc.ActionStatus})
	if err != nil {
		return err
	}
	fmt.Printf("sitewardend %s\n", response.Version)
	return nil
}
