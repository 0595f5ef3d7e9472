package core

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	nhttp "net/http"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/fairmail/fairmail/exchange"
	"github.com/fairmail/fairmail/exchange/badgerdb"
	"github.com/fairmail/fairmail/exchange/boltdb"
	"github.com/fairmail/fairmail/exchange/engine"
	"github.com/fairmail/fairmail/exchange/ledger"
	"github.com/fairmail/fairmail/exchange/memdb"
	"github.com/fairmail/fairmail/fs"
	fhttp "github.com/fairmail/fairmail/http"
	"github.com/fairmail/fairmail/log"
	"github.com/fairmail/fairmail/metrics"
	"github.com/fairmail/fairmail/metrics/pprof"
)

// Daemon runs the full exchange service: one entries store, one escrow book,
// the transition engine and the public HTTP API on top of them.
type Daemon struct {
	opts *Config
	log  log.Logger

	store  exchange.Store
	bank   *ledger.MemoryBank
	book   *ledger.Book
	engine *engine.Engine

	listener    net.Listener
	server      *nhttp.Server
	metricsList net.Listener

	// global state lock
	state  sync.Mutex
	exitCh chan bool
}

// NewDaemon returns a daemon ready to be started with Init.
func NewDaemon(c *Config) (*Daemon, error) {
	logger := c.Logger()
	if !c.insecure && (c.certPath == "" || c.keyPath == "") {
		return nil, errors.New("config: need to set WithInsecure if no certificate and private key path given")
	}

	return &Daemon{
		opts:   c,
		log:    logger,
		exitCh: make(chan bool, 1),
	}, nil
}

// Init opens the store, reloads the escrow book from it and starts serving
// the public API on the configured address.
func (d *Daemon) Init(ctx context.Context) error {
	d.state.Lock()
	defer d.state.Unlock()

	c := d.opts
	fs.CreateSecureFolder(c.ConfigFolder())

	var err error
	if d.store, err = openStore(ctx, d.log, c); err != nil {
		return err
	}

	transfer := c.transfer
	if transfer == nil {
		d.bank = ledger.NewMemoryBank()
		transfer = d.bank.Transfer
	}
	d.book = ledger.NewBook(d.log.Named("ledger"), transfer)
	// a restarted daemon owes the unreleased pledges it persisted
	if err := d.book.Reload(ctx, d.store); err != nil {
		return fmt.Errorf("core: reloading escrow book: %w", err)
	}

	d.engine, err = engine.New(&engine.Config{
		Store:  d.store,
		Book:   d.book,
		Clock:  c.Clock(),
		Logger: d.log,
	})
	if err != nil {
		return err
	}

	for i, fn := range c.eventCbs {
		d.engine.AddCallback(fmt.Sprintf("config-%d", i), fn)
	}
	d.engine.AddCallback("metrics", func(ev engine.Event) {
		if ev.Type != engine.EventPledgeReleased || ev.Amount == nil {
			return
		}
		released, _ := new(big.Float).SetInt(ev.Amount.ToBig()).Float64()
		metrics.ReleasedTotal.Add(released)
	})
	metrics.RegisterEscrowGauge(d.book.HeldFloat)

	handler, err := fhttp.New(&fhttp.Config{
		Engine:  d.engine,
		Bank:    d.bank,
		Version: c.Version(),
		Storage: string(c.StorageType()),
		Logger:  d.log.With("server", "http"),
	})
	if err != nil {
		return err
	}

	addr := c.ListenAddress(DefaultListenAddress)
	if d.listener, err = net.Listen("tcp", addr); err != nil {
		return fmt.Errorf("core: binding %s: %w", addr, err)
	}
	d.server = &nhttp.Server{Handler: handler}
	go func() {
		var err error
		if c.insecure {
			err = d.server.Serve(d.listener)
		} else {
			err = d.server.ServeTLS(d.listener, c.certPath, c.keyPath)
		}
		if err != nil && !errors.Is(err, nhttp.ErrServerClosed) {
			d.log.Errorw("public api stopped", "err", err)
		}
	}()

	if maddr := c.MetricsAddress(); maddr != "" {
		d.metricsList = metrics.Start(maddr, pprof.WithProfile())
	}

	d.log.Infow("", "listen", d.listener.Addr().String(), "storage", c.StorageType(), "folder", c.ConfigFolder(), "insecure", c.insecure)
	return nil
}

func openStore(ctx context.Context, l log.Logger, c *Config) (exchange.Store, error) {
	switch c.StorageType() {
	case exchange.BoltDB:
		fs.CreateSecureFolder(c.DBFolder())
		return boltdb.NewBoltStore(ctx, l, c.DBFolder(), c.boltOpts)
	case exchange.BadgerDB:
		fs.CreateSecureFolder(c.DBFolder())
		return badgerdb.NewBadgerStore(ctx, l, c.DBFolder())
	case exchange.MemDB:
		return memdb.NewStore(), nil
	default:
		return nil, fmt.Errorf("core: unknown storage type %q", c.StorageType())
	}
}

// Address returns the address the public API actually listens on. It differs
// from the configured one when binding to port 0.
func (d *Daemon) Address() string {
	d.state.Lock()
	defer d.state.Unlock()
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Engine exposes the transition engine, mostly for tests and embedding.
func (d *Daemon) Engine() *engine.Engine {
	return d.engine
}

// Store exposes the entries store.
func (d *Daemon) Store() exchange.Store {
	return d.store
}

// Book exposes the escrow book.
func (d *Daemon) Book() *ledger.Book {
	return d.book
}

// Bank returns the in-process settlement bank, or nil when an external
// transfer backend was configured.
func (d *Daemon) Bank() *ledger.MemoryBank {
	return d.bank
}

// Stop shuts the daemon down and signals WaitExit.
func (d *Daemon) Stop(ctx context.Context) {
	d.log.Debugw("daemon stop called")
	select {
	case <-d.exitCh:
		d.log.Errorw("trying to stop an already stopping daemon")
		return
	default:
		d.log.Infow("stopping daemon")
	}

	d.state.Lock()
	var errs *multierror.Error
	if d.server != nil {
		// Close, not Shutdown: the watch streams never end on their own
		errs = multierror.Append(errs, d.server.Close())
	}
	if d.metricsList != nil {
		errs = multierror.Append(errs, d.metricsList.Close())
	}
	if d.store != nil {
		errs = multierror.Append(errs, d.store.Close())
	}
	d.state.Unlock()

	if err := errs.ErrorOrNil(); err != nil {
		d.log.Errorw("daemon stopped uncleanly", "err", err)
	}

	select {
	case d.exitCh <- true:
		close(d.exitCh)
	case <-ctx.Done():
		d.log.Warnw("context canceled, exit channel probably blocked")
		close(d.exitCh)
	}
}

// WaitExit returns a channel that signals when the daemon stops.
func (d *Daemon) WaitExit() chan bool {
	return d.exitCh
}
