// Command facturador signs electronic invoices and delivers them to the
// tax authority's reception API.
//
// Usage:
//
//	facturador [-c config.yaml] <command> [flags]
//
// Commands:
//
//	serve     run the callback listener and the queue sender
//	drain     work through the due queue entries once and exit
//	migrate   apply database migrations (up, status)
//	register  register a taxpayer with its keystore and API account
//	submit    create, sign and queue a document described in YAML
//	receive   confirm a document received from a supplier
//	status    report the state of a stored document
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, configPath string, args []string) error
}

var commands = []command{
	{"serve", "run the callback listener and the queue sender", runServe},
	{"drain", "work through the due queue entries once and exit", runDrain},
	{"migrate", "apply database migrations: migrate [up|status]", runMigrate},
	{"register", "register a taxpayer", runRegister},
	{"submit", "create, sign and queue a document: submit -t ID -f doc.yaml", runSubmit},
	{"receive", "confirm a received document: receive -t ID -f msg.yaml --supplier-xml doc.xml", runReceive},
	{"status", "report the state of a document: status -t ID <clave>", runStatus},
}

func main() {
	global := pflag.NewFlagSet("facturador", pflag.ContinueOnError)
	global.SetInterspersed(false)
	configPath := global.StringP("config", "c", "config.yaml", "path to config file")
	showVersion := global.BoolP("version", "v", false, "print version and exit")
	global.Usage = func() { usage(global) }

	if err := global.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if *showVersion {
		fmt.Printf("facturador %s (%s)\n", version, buildDate)
		return
	}

	args := global.Args()
	if len(args) == 0 {
		usage(global)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, c := range commands {
		if c.name != args[0] {
			continue
		}
		if err := c.run(ctx, *configPath, args[1:]); err != nil {
			fmt.Fprintf(os.Stderr, "facturador %s: %v\n", c.name, err)
			stop()
			os.Exit(1)
		}
		return
	}
	fmt.Fprintf(os.Stderr, "facturador: unknown command %q\n", args[0])
	usage(global)
	os.Exit(2)
}

func usage(fs *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "Usage: facturador [flags] <command> [args]\n\nCommands:\n")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-9s %s\n", c.name, c.usage)
	}
	fmt.Fprintf(os.Stderr, "\nFlags:\n%s", fs.FlagUsages())
}
