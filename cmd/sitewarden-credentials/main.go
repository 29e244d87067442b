// Copyright 2026 The SiteWarden Authors
// SPDX-License-Identifier: Apache-2.0

// Sitewarden-credentials is the operator CLI for vault key management
// and credential sealing. Keygen runs entirely offline; seal talks to
// a running daemon over the control socket so plaintext never touches
// the state database unencrypted.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/sitewarden/sitewarden/lib/ipc"
	"github.com/sitewarden/sitewarden/lib/sealed"
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
	case "keygen":
		return runKeygen(os.Args[2:])
	case "seal":
		return runSeal(os.Args[2:])
	case "version":
		fmt.Printf("sitewarden-credentials %s\n", version.Info())
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
	fmt.Fprintf(os.Stderr, `Usage: sitewarden-credentials <subcommand> [flags]

Subcommands:
  keygen      Generate an age keypair for a vault key version
  seal        Seal a site credential via a running daemon
  version     Print version information

Run 'sitewarden-credentials <subcommand> --help' for subcommand flags.
`)
}

// runKeygen generates a new age keypair and prints it. The public key
// goes to stdout (for vault.recipient_keys in the config); the private
// key goes to stderr so redirecting stdout does not capture it. The
// operator appends "<version>:<private key>" to the daemon's key file.
func runKeygen(args []string) error {
	var keyVersion int

	flagSet := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
	flagSet.IntVar(&keyVersion, "key-version", 1, "vault key version this pair is for")
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		return err
	}
	defer keypair.Close()

	fmt.Fprintf(os.Stderr, "# Private key (append to the daemon key file, keep secret):\n")
	fmt.Fprintf(os.Stderr, "%d:%s\n", keyVersion, keypair.PrivateKey.String())
	fmt.Fprintf(os.Stdout, "%s\n", keypair.PublicKey)
	return nil
}

// runSeal reads credential plaintext from stdin (or --plaintext-file)
// and asks the daemon to seal it for a site.
func runSeal(args []string) error {
	var (
		socketPath    string
		tenantID      string
		siteID        string
		kind          string
		plaintextFile string
		timeout       time.Duration
	)

	flagSet := pflag.NewFlagSet("seal", pflag.ContinueOnError)
	flagSet.StringVar(&socketPath, "socket", defaultSocket, "daemon control socket")
	flagSet.StringVar(&tenantID, "tenant", "", "tenant ID (required)")
	flagSet.StringVar(&siteID, "site", "", "site ID (required)")
	flagSet.StringVar(&kind, "kind", "", "credential kind: ssh, ftp, wp_admin, api_key (required)")
	flagSet.StringVar(&plaintextFile, "plaintext-file", "", "read plaintext from this file instead of stdin")
	flagSet.DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if tenantID == "" || siteID == "" || kind == "" {
		return fmt.Errorf("--tenant, --site, and --kind are required")
	}

	var plaintext []byte
	var err error
	if plaintextFile != "" {
		plaintext, err = os.ReadFile(plaintextFile)
	} else {
		plaintext, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return fmt.Errorf("reading plaintext: %w", err)
	}
	defer func() {
		for i := range plaintext {
			plaintext[i] = 0
		}
	}()
	if len(plaintext) == 0 {
		return fmt.Errorf("plaintext is empty")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	response, err := ipc.Call(ctx, socketPath, ipc.Request{
		Action:    ipc.ActionSealCredential,
		TenantID:  tenantID,
		SiteID:    siteID,
		Kind:      kind,
		Plaintext: plaintext,
	})
	if err != nil {
		return err
	}
	if !response.OK {
		return fmt.Errorf("%s", response.Error)
	}
	fmt.Printf("sealed %s credential for site %s\n", kind, siteID)
	return nil
}
