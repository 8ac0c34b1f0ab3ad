package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/tabaruka/mahudhurio/core/attendance"
)

var errHelp = errors.New("help provided")

type commandLine struct {
	db     *sqlx.DB
	ledger attendance.Ledger
}

func (cli *commandLine) printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  migrate [up|down|status]     - run database migrations (default: up)")
	fmt.Println("  scans -session SESSION_ID    - dump a session's scan attempts, most recent first")
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	scansCmd := flag.NewFlagSet("scans", flag.ExitOnError)
	scansSession := scansCmd.String("session", "", "The attendance session ID to dump.")

	switch args[1] {
	case "migrate":
		return cli.migrate(args[2:])
	case "scans":
		if err := scansCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *scansSession == "" {
			scansCmd.Usage()
			return errHelp
		}
		return cli.scans(*scansSession)
	default:
		cli.printUsage()
		return errHelp
	}
}

func (cli *commandLine) scans(sessionID string) error {
	attempts, err := cli.ledger.ListScans(context.Background(), sessionID)
	if err != nil {
		return err
	}
	if len(attempts) == 0 {
		fmt.Println("no scan attempts recorded for", sessionID)
		return nil
	}

	fmt.Printf("%-28s %-16s %-20s %s\n", "SUBMITTED", "STUDENT", "OUTCOME", "REASONS")
	for _, att := range attempts {
		fmt.Printf("%-28s %-16s %-20s %s\n",
			att.SubmittedAt.Format("2006-01-02 15:04:05.000 MST"),
			att.StudentID,
			att.Outcome,
			strings.Join(att.Reasons, "; "),
		)
	}
	return nil
}
