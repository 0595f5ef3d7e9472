package fairmail

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/briandowns/spinner"
	"github.com/urfave/cli/v2"
)

func getCmd(c *cli.Context) error {
	pid, err := pidArg(c)
	if err != nil {
		return err
	}
	entry, err := getClient(c).Get(c.Context, pid)
	if err != nil {
		return err
	}
	return printJSON(entry)
}

func statusCmd(c *cli.Context) error {
	pid, err := pidArg(c)
	if err != nil {
		return err
	}
	status, err := getClient(c).Status(c.Context, pid)
	if err != nil {
		return err
	}
	return printJSON(status)
}

const awaitRefreshRate = 100 * time.Millisecond
const awaitPollPeriod = 2 * time.Second

func awaitCmd(c *cli.Context) error {
	pid, err := pidArg(c)
	if err != nil {
		return err
	}
	client := getClient(c)

	var last atomic.Value
	s := spinner.New(spinner.CharSets[9], awaitRefreshRate)
	s.PreUpdate = func(spin *spinner.Spinner) {
		if v := last.Load(); v != nil {
			spin.Suffix = fmt.Sprintf("  %s is %s - waiting on a terminal status...", pid.Hex(), v)
		}
	}
	s.Start()
	defer s.Stop()

	ticker := time.NewTicker(awaitPollPeriod)
	defer ticker.Stop()
	for {
		status, err := client.Status(c.Context, pid)
		if err != nil {
			return err
		}
		last.Store(status.Status)
		switch status.Status {
		case "finalized", "abandoned", "expired":
			s.FinalMSG = fmt.Sprintf("\n%s reached %s at %d\n", pid.Hex(), status.Status, status.Now)
			return nil
		}
		select {
		case <-ticker.C:
		case <-c.Context.Done():
			return c.Context.Err()
		}
	}
}

func watchCmd(c *cli.Context) error {
	ch, err := getClient(c).Watch(c.Context)
	if err != nil {
		return err
	}
	for ev := range ch {
		if err := printJSON(ev); err != nil {
			return err
		}
	}
	return nil
}

func ledgerCmd(c *cli.Context) error {
	ledger, err := getClient(c).Ledger(c.Context)
	if err != nil {
		return err
	}
	return printJSON(ledger)
}

func balancesCmd(c *cli.Context) error {
	client := getClient(c)
	if c.Args().Present() {
		addr, err := parseAddress(c.Args().First())
		if err != nil {
			return err
		}
		balance, err := client.Balance(c.Context, addr)
		if err != nil {
			return err
		}
		return printJSON(balance)
	}
	balances, err := client.Balances(c.Context)
	if err != nil {
		return err
	}
	return printJSON(balances)
}
