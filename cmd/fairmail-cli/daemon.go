package fairmail

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/fairmail/fairmail/core"
	"github.com/fairmail/fairmail/exchange"
	"github.com/fairmail/fairmail/exchange/badgerdb"
	"github.com/fairmail/fairmail/exchange/boltdb"
	"github.com/fairmail/fairmail/log"
)

func startCmd(c *cli.Context) error {
	conf := contextToConfig(c)
	daemon, err := core.NewDaemon(conf)
	if err != nil {
		return fmt.Errorf("can't instantiate the daemon: %w", err)
	}
	if err := daemon.Init(c.Context); err != nil {
		return fmt.Errorf("daemon init: %w", err)
	}
	setSignal(daemon)
	<-daemon.WaitExit()
	return nil
}

func setSignal(d *core.Daemon) {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		s := <-sigc
		fmt.Fprintf(output, "fairmail: received signal %s, stopping\n", s.String())
		d.Stop(context.Background())
	}()
}

// backupCmd opens the db directly, so it must not race a running daemon.
func backupCmd(c *cli.Context) error {
	if !c.Args().Present() {
		return errors.New("missing destination file in argument")
	}
	dest := c.Args().First()
	conf := contextToConfig(c)

	logger := log.New(nil, log.ErrorLevel, false)
	if c.IsSet(verboseFlag.Name) {
		logger = conf.Logger()
	}

	var store exchange.Store
	var err error
	switch typ := conf.StorageType(); typ {
	case exchange.BoltDB:
		store, err = boltdb.NewBoltStore(c.Context, logger, conf.DBFolder(), conf.BoltOptions())
	case exchange.BadgerDB:
		store, err = badgerdb.NewBadgerStore(c.Context, logger, conf.DBFolder())
	default:
		return fmt.Errorf("storage %q holds nothing to back up", typ)
	}
	if err != nil {
		return fmt.Errorf("opening the entries db: %w", err)
	}
	defer store.Close()

	fd, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}
	defer fd.Close()

	if err := store.SaveTo(c.Context, fd); err != nil {
		return fmt.Errorf("streaming the snapshot: %w", err)
	}
	n, err := store.Len(c.Context)
	if err != nil {
		return err
	}
	fmt.Fprintf(output, "fairmail: backed up %d entries to %s\n", n, dest)
	return nil
}
