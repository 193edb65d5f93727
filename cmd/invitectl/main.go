// Command invitectl manages invitation codes against local storage or a
// running admin server, and serves the admin API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

const usageText = `usage: invitectl [flags] <command> [command flags]

commands:
  create     create an invitation
  validate   check whether a code can be used
  use        redeem a code
  revoke     revoke a code
  show       print one invitation
  list       list invitations of a creator
  stats      count invitations by status
  expire     store the expired status of lapsed invitations
  serve      serve the admin API

flags:
`

func main() {
	configPath := flag.String("config", "invitecore.toml", "config file, ignored when missing")
	addr := flag.String("addr", "", "admin API address; local storage is used when empty")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usageText)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, *configPath, *addr, flag.Arg(0), flag.Args()[1:])
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
