package core

import (
	"path"

	clock "github.com/jonboulle/clockwork"
	bolt "go.etcd.io/bbolt"

	"github.com/fairmail/fairmail/exchange"
	"github.com/fairmail/fairmail/exchange/engine"
	"github.com/fairmail/fairmail/exchange/ledger"
	"github.com/fairmail/fairmail/log"
)

// ConfigOption is a function that applies a specific setting to a Config.
type ConfigOption func(*Config)

// Config holds all relevant information for a fairmail daemon to run.
type Config struct {
	configFolder string
	dbFolder     string
	listenAddr   string
	metricsAddr  string
	storageType  exchange.StorageType
	boltOpts     *bolt.Options
	eventCbs     []func(engine.Event)
	transfer     ledger.Transfer
	insecure     bool
	certPath     string
	keyPath      string
	version      string
	logger       log.Logger
	clock        clock.Clock
}

// NewConfig returns the config to pass to the daemon with the default options
// set and the updated values given by the options.
func NewConfig(opts ...ConfigOption) *Config {
	d := &Config{
		configFolder: DefaultConfigFolder(),
		storageType:  exchange.BoltDB,
		logger:       log.DefaultLogger(),
		clock:        clock.NewRealClock(),
	}
	d.dbFolder = path.Join(d.configFolder, DefaultDbFolder)
	for i := range opts {
		opts[i](d)
	}
	return d
}

// ConfigFolder returns the folder under which the daemon stores all its
// configuration.
func (d *Config) ConfigFolder() string {
	return d.configFolder
}

// DBFolder returns the folder under which the daemon stores the entries.
func (d *Config) DBFolder() string {
	return d.dbFolder
}

// StorageType returns the engine the entries db runs on.
func (d *Config) StorageType() exchange.StorageType {
	return d.storageType
}

// BoltOptions returns the options given to the boltdb backend, or nil.
func (d *Config) BoltOptions() *bolt.Options {
	return d.boltOpts
}

// ListenAddress returns the given default address or the listen address stored
// in the config thanks to WithListenAddress
func (d *Config) ListenAddress(defaultAddr string) string {
	if d.listenAddr != "" {
		return d.listenAddr
	}
	return defaultAddr
}

// MetricsAddress returns the bind address of the metrics server, or an empty
// string when metrics are disabled.
func (d *Config) MetricsAddress() string {
	return d.metricsAddr
}

// Version returns the version string reported over the public API.
func (d *Config) Version() string {
	return d.version
}

// Logger returns the logger associated with this config.
func (d *Config) Logger() log.Logger {
	return d.logger
}

// Clock returns the time source the engine judges deadlines against.
func (d *Config) Clock() clock.Clock {
	return d.clock
}

// WithBoltOptions applies boltdb specific options when storing entries.
func WithBoltOptions(opts *bolt.Options) ConfigOption {
	return func(d *Config) {
		d.boltOpts = opts
	}
}

// WithStorageType selects the backend the entries db runs on.
func WithStorageType(t exchange.StorageType) ConfigOption {
	return func(d *Config) {
		d.storageType = t
	}
}

// WithDbFolder sets the path folder for the db file. This path is NOT relative
// to the config folder path if set.
func WithDbFolder(folder string) ConfigOption {
	return func(d *Config) {
		d.dbFolder = folder
	}
}

// WithConfigFolder sets the base configuration folder to the given string.
func WithConfigFolder(folder string) ConfigOption {
	return func(d *Config) {
		d.configFolder = folder
		d.dbFolder = path.Join(d.configFolder, DefaultDbFolder)
	}
}

// WithEventCallback sets a function that is called each time a transition
// commits.
func WithEventCallback(fn func(engine.Event)) ConfigOption {
	return func(d *Config) {
		d.eventCbs = append(d.eventCbs, fn)
	}
}

// WithTransfer plugs an external settlement backend into the escrow book.
// Without it the daemon settles pledges against an in-process bank.
func WithTransfer(t ledger.Transfer) ConfigOption {
	return func(d *Config) {
		d.transfer = t
	}
}

// WithInsecure allows the daemon to serve the public API over plain TCP.
func WithInsecure() ConfigOption {
	return func(d *Config) {
		d.insecure = true
	}
}

// WithTLS registers the certificate and private key path so the daemon can
// serve the public API over TLS.
func WithTLS(certPath, keyPath string) ConfigOption {
	return func(d *Config) {
		d.certPath = certPath
		d.keyPath = keyPath
	}
}

// WithListenAddress specifies the address the public API should bind to.
func WithListenAddress(addr string) ConfigOption {
	return func(d *Config) {
		d.listenAddr = addr
	}
}

// WithMetricsAddress enables the metrics server on the given address.
func WithMetricsAddress(addr string) ConfigOption {
	return func(d *Config) {
		d.metricsAddr = addr
	}
}

// WithVersion sets the version string reported over the public API.
func WithVersion(v string) ConfigOption {
	return func(d *Config) {
		d.version = v
	}
}

// WithLogLevel sets the logging verbosity to the given level.
func WithLogLevel(level int, jsonFormat bool) ConfigOption {
	return func(d *Config) {
		d.logger = log.New(nil, level, jsonFormat)
	}
}

// WithLogger overrides the configured logger entirely.
func WithLogger(l log.Logger) ConfigOption {
	return func(d *Config) {
		d.logger = l
	}
}

// WithClock replaces the daemon time source. Only useful for tests.
func WithClock(c clock.Clock) ConfigOption {
	return func(d *Config) {
		d.clock = c
	}
}
