// Package fairmail implements the command line interface of the fair
// exchange service: the daemon, the key and envelope tooling, and the
// client commands driving an exchange from creation to finalization.
package fairmail

import (
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	json "github.com/nikkolasg/hexjson"
	"github.com/urfave/cli/v2"

	"github.com/fairmail/fairmail/api"
	"github.com/fairmail/fairmail/core"
	"github.com/fairmail/fairmail/exchange"
	"github.com/fairmail/fairmail/key"
	"github.com/fairmail/fairmail/log"
)

// default output of the operational commands
// the daemon uses its own logging mechanism.
var output io.Writer = os.Stdout

// Automatically set through -ldflags
// Example: go install -ldflags "-X main.version=`git describe --tags`
//   -X main.buildDate=`date -u +%d/%m/%Y@%H:%M:%S` -X main.gitCommit=`git rev-parse HEAD`"
var (
	version   = "master"
	gitCommit = "none"
	buildDate = "unknown"
)

func banner() {
	fmt.Fprintf(output, "fairmail %v (date %v, commit %v)\n", version, buildDate, gitCommit)
}

var folderFlag = &cli.StringFlag{
	Name:  "folder",
	Value: core.DefaultConfigFolder(),
	Usage: "Folder to keep all fairmail cryptographic information, with absolute path.",
}

var verboseFlag = &cli.BoolFlag{
	Name:  "verbose",
	Usage: "If set, verbosity is at the debug level",
}

var jsonFlag = &cli.BoolFlag{
	Name:  "json",
	Usage: "Set the logs to json format",
}

var tlsCertFlag = &cli.StringFlag{
	Name: "tls-cert",
	Usage: "Set the TLS certificate chain (in PEM format) for the daemon. " +
		"This parameter is required by default and can only be omitted if the --tls-disable flag is used.",
}

var tlsKeyFlag = &cli.StringFlag{
	Name: "tls-key",
	Usage: "Set the TLS private key (in PEM format) for the daemon. " +
		"This parameter is required by default and can only be omitted if the --tls-disable flag is used.",
}

var insecureFlag = &cli.BoolFlag{
	Name:  "tls-disable",
	Usage: "Serve the public API over plain TCP (not recommended).",
}

var listenFlag = &cli.StringFlag{
	Name:  "listen",
	Usage: "Set the listening (binding) address of the public API. Useful if you have some kind of proxy.",
}

var metricsFlag = &cli.StringFlag{
	Name:  "metrics",
	Usage: "Launch a metrics server at the specified (host:)port.",
}

var storageFlag = &cli.StringFlag{
	Name:  "storage",
	Value: string(exchange.BoltDB),
	Usage: "Backend of the entries db: bolt, badger or memdb.",
}

var connectFlag = &cli.StringFlag{
	Name:  "connect",
	Value: "http://" + core.DefaultListenAddress,
	Usage: "URL of the daemon's public API the command talks to.",
}

var receiverFlag = &cli.StringFlag{
	Name:  "receiver",
	Usage: "Address of the receiving party (0x hex).",
}

var senderFlag = &cli.StringFlag{
	Name:  "sender",
	Usage: "Address of the sending party (0x hex).",
}

var envelopeFlag = &cli.StringFlag{
	Name:  "envelope",
	Usage: "Path of a sealed envelope file; its content hash enters the pid.",
}

var contentFlag = &cli.StringFlag{
	Name:  "content",
	Usage: "32-byte content hash (0x hex), when no envelope file is at hand.",
}

var t1Flag = &cli.Int64Flag{
	Name:  "t1",
	Usage: "Unix second the dispute window closes at. Omit it for a single-phase exchange.",
}

var t2Flag = &cli.Int64Flag{
	Name:  "t2",
	Usage: "Unix second the finalization window closes at.",
}

var commitmentFlag = &cli.StringFlag{
	Name:  "commitment",
	Usage: "Commitment to the exchange key, keccak256(key || blind) (0x hex).",
}

var pledgeFlag = &cli.StringFlag{
	Name:  "pledge",
	Usage: "Pledge amount to escrow, in base units (decimal).",
}

var ackFlag = &cli.StringFlag{
	Name:  "ack",
	Usage: "The receiver's create acknowledgement signature (0x hex), obtained with the ack command.",
}

var keyFlag = &cli.StringFlag{
	Name:  "key",
	Usage: "32-byte exchange key (0x hex).",
}

var blindFlag = &cli.StringFlag{
	Name:  "blind",
	Usage: "32-byte blinding factor of the commitment (0x hex).",
}

var receiptFlag = &cli.StringFlag{
	Name:  "receipt",
	Usage: "The receiver's receipt signature (0x hex), obtained with the receipt command.",
}

var counterSigFlag = &cli.StringFlag{
	Name:  "countersig",
	Usage: "The other party's signature over the dispute digest (0x hex).",
}

var outFlag = &cli.StringFlag{
	Name:  "out",
	Usage: "Write the result to the given file instead of stdout.",
}

var appCommands = []*cli.Command{
	{
		Name:  "start",
		Usage: "Start the fairmail daemon.",
		Flags: toArray(folderFlag, tlsCertFlag, tlsKeyFlag, insecureFlag,
			listenFlag, metricsFlag, storageFlag, verboseFlag, jsonFlag),
		Action: func(c *cli.Context) error {
			banner()
			return startCmd(c)
		},
	},
	{
		Name:  "keygen",
		Usage: "Generate the longterm keypair (identity.private, identity.public) this party signs transitions with.\n",
		Flags: toArray(folderFlag),
		Action: func(c *cli.Context) error {
			banner()
			return keygenCmd(c)
		},
	},
	{
		Name:   "show",
		Usage:  "Print the public identity of this party.\n",
		Flags:  toArray(folderFlag),
		Action: showCmd,
	},
	{
		Name:      "seal",
		Usage:     "Seal a mail body under a fresh exchange key and print the key, blind, commitment and content hash.",
		ArgsUsage: "<file> is the plaintext to seal.",
		Flags:     toArray(keyFlag, blindFlag, outFlag),
		Action:    sealCmd,
	},
	{
		Name:      "open",
		Usage:     "Open a sealed envelope with a revealed exchange key.",
		ArgsUsage: "<file> is the envelope to open.",
		Flags:     toArray(keyFlag, outFlag),
		Action:    openCmd,
	},
	{
		Name: "ack",
		Usage: "Acknowledge an exchange about to be created, as its receiver. " +
			"The printed signature goes back to the sender, who passes it to create.",
		Flags:  toArray(folderFlag, senderFlag, envelopeFlag, contentFlag, t1Flag, t2Flag, commitmentFlag),
		Action: ackCmd,
	},
	{
		Name:   "create",
		Usage:  "Register a new exchange on the daemon, as its sender.",
		Flags:  toArray(folderFlag, connectFlag, receiverFlag, envelopeFlag, contentFlag, t1Flag, t2Flag, commitmentFlag, pledgeFlag, ackFlag),
		Action: createCmd,
	},
	{
		Name: "dispute",
		Usage: "Trigger the dispute phase of an exchange. A dispute carries both parties: " +
			"without --countersig the command only prints the local signature over the dispute digest, " +
			"to be handed to the other party.",
		ArgsUsage: "<pid> identifies the exchange.",
		Flags:     toArray(folderFlag, connectFlag, counterSigFlag),
		Action:    disputeCmd,
	},
	{
		Name: "finalize",
		Usage: "Finalize an exchange as its sender, either by revealing the committed key " +
			"or by registering the receiver's receipt.",
		ArgsUsage: "<pid> identifies the exchange.",
		Flags:     toArray(folderFlag, connectFlag, keyFlag, blindFlag, receiptFlag),
		Action:    finalizeCmd,
	},
	{
		Name: "receipt",
		Usage: "Sign a reception receipt for an exchange, as its receiver. " +
			"The printed signature lets the sender finalize without revealing on the exchange.",
		ArgsUsage: "<pid> identifies the exchange.",
		Flags:     toArray(folderFlag, connectFlag),
		Action:    receiptCmd,
	},
	{
		Name:      "get",
		Usage:     "Fetch an entry from the daemon.\n",
		ArgsUsage: "<pid> identifies the exchange.",
		Flags:     toArray(connectFlag),
		Action:    getCmd,
	},
	{
		Name:      "status",
		Usage:     "Print the lifecycle status of an entry at the daemon's clock.\n",
		ArgsUsage: "<pid> identifies the exchange.",
		Flags:     toArray(connectFlag),
		Action:    statusCmd,
	},
	{
		Name:      "await",
		Usage:     "Wait until an exchange reaches a terminal status (finalized, abandoned or expired).",
		ArgsUsage: "<pid> identifies the exchange.",
		Flags:     toArray(connectFlag),
		Action:    awaitCmd,
	},
	{
		Name:   "watch",
		Usage:  "Stream the daemon's transition events, one JSON object per line.",
		Flags:  toArray(connectFlag),
		Action: watchCmd,
	},
	{
		Name:   "ledger",
		Usage:  "Print the aggregate escrow balance held by the daemon.\n",
		Flags:  toArray(connectFlag),
		Action: ledgerCmd,
	},
	{
		Name:      "balances",
		Usage:     "Print the settled balances, or the balance of one address.\n",
		ArgsUsage: "`ADDRESS` restricts the output to one party (optional).",
		Flags:     toArray(connectFlag),
		Action:    balancesCmd,
	},
	{
		Name: "backup",
		Usage: "Stream a snapshot of the entries db to the given file. " +
			"Stop the daemon first: the db file is locked while it runs.",
		ArgsUsage: "<file> is the destination of the snapshot.",
		Flags:     toArray(folderFlag, storageFlag, verboseFlag),
		Action:    backupCmd,
	},
}

// CLI runs the fairmail app
func CLI() *cli.App {
	app := cli.NewApp()
	app.Name = "fairmail"
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Fprintf(output, "fairmail %v (date %v, commit %v)\n", version, buildDate, gitCommit)
	}

	app.ExitErrHandler = func(context *cli.Context, err error) {
		// override to prevent default behavior of calling OS.exit(1),
		// when tests expect to be able to run multiple commands.
	}
	app.Version = version
	app.Usage = "certified electronic mail over a fair exchange"
	app.Commands = appCommands
	app.Flags = toArray(verboseFlag, folderFlag)
	return app
}

func toArray(flags ...cli.Flag) []cli.Flag {
	return flags
}

func contextToConfig(c *cli.Context) *core.Config {
	var opts []core.ConfigOption

	if c.IsSet(verboseFlag.Name) {
		opts = append(opts, core.WithLogLevel(log.DebugLevel, c.Bool(jsonFlag.Name)))
	} else {
		opts = append(opts, core.WithLogLevel(log.InfoLevel, c.Bool(jsonFlag.Name)))
	}

	if c.IsSet(folderFlag.Name) {
		opts = append(opts, core.WithConfigFolder(c.String(folderFlag.Name)))
	}
	if c.IsSet(listenFlag.Name) {
		opts = append(opts, core.WithListenAddress(c.String(listenFlag.Name)))
	}
	if c.IsSet(metricsFlag.Name) {
		opts = append(opts, core.WithMetricsAddress(c.String(metricsFlag.Name)))
	}
	if c.IsSet(storageFlag.Name) {
		opts = append(opts, core.WithStorageType(exchange.StorageType(c.String(storageFlag.Name))))
	}
	opts = append(opts, core.WithVersion(fmt.Sprintf("fairmail/%s (%s)", version, gitCommit)))

	if c.Bool(insecureFlag.Name) {
		opts = append(opts, core.WithInsecure())
		if c.IsSet(tlsCertFlag.Name) || c.IsSet(tlsKeyFlag.Name) {
			panic("option 'tls-disable' used with 'tls-cert' or 'tls-key': combination is not valid")
		}
	} else {
		opts = append(opts, core.WithTLS(c.String(tlsCertFlag.Name), c.String(tlsKeyFlag.Name)))
	}
	return core.NewConfig(opts...)
}

func getClient(c *cli.Context) *api.Client {
	return api.NewClient(log.New(nil, log.WarnLevel, false), c.String(connectFlag.Name), nil)
}

// loadKeyPair returns the local identity, for the commands that sign.
func loadKeyPair(c *cli.Context) (*key.Pair, error) {
	folder := c.String(folderFlag.Name)
	fileStore := key.NewFileStore(folder)
	pair, err := fileStore.LoadKeyPair()
	if err != nil {
		return nil, fmt.Errorf("no identity key under %s, run `fairmail keygen` first: %w", folder, err)
	}
	return pair, nil
}

func pidArg(c *cli.Context) (common.Hash, error) {
	if !c.Args().Present() {
		return common.Hash{}, errors.New("missing pid argument")
	}
	return parseHash(c.Args().First())
}

func parseHash(s string) (common.Hash, error) {
	buff, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	if len(buff) != common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid hash %q: want %d bytes", s, common.HashLength)
	}
	return common.BytesToHash(buff), nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address %q", s)
	}
	return common.HexToAddress(s), nil
}

func parseSig(s string) ([]byte, error) {
	sig, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("invalid signature %q: %w", s, err)
	}
	return sig, nil
}

func parsePledge(s string) (*uint256.Int, error) {
	b, ok := new(big.Int).SetString(s, 10)
	if !ok || b.Sign() < 0 {
		return nil, fmt.Errorf("invalid pledge amount %q", s)
	}
	v, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("pledge amount %q does not fit in 256 bits", s)
	}
	return v, nil
}

// contentHash resolves the content hash from the envelope file or the
// explicit flag.
func contentHash(c *cli.Context) (common.Hash, error) {
	if c.IsSet(envelopeFlag.Name) {
		env, err := readEnvelope(c.String(envelopeFlag.Name))
		if err != nil {
			return common.Hash{}, err
		}
		return env.ContentHash(), nil
	}
	if c.IsSet(contentFlag.Name) {
		return parseHash(c.String(contentFlag.Name))
	}
	return common.Hash{}, errors.New("missing --envelope or --content")
}

func printJSON(j interface{}) error {
	buff, err := json.MarshalIndent(j, "", "    ")
	if err != nil {
		return fmt.Errorf("could not JSON marshal: %w", err)
	}
	fmt.Fprintln(output, string(buff))
	return nil
}
