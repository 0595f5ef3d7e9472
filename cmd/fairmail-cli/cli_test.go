package fairmail

import (
	"bytes"
	"context"
	"os"
	"path"
	"strconv"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	json "github.com/nikkolasg/hexjson"
	"github.com/stretchr/testify/require"

	"github.com/fairmail/fairmail/api"
	"github.com/fairmail/fairmail/core"
	"github.com/fairmail/fairmail/exchange"
	"github.com/fairmail/fairmail/key"
	"github.com/fairmail/fairmail/test"
)

// captureOutput redirects the command output into a buffer for the duration
// of the test.
func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	buff := new(bytes.Buffer)
	old := output
	output = buff
	t.Cleanup(func() { output = old })
	return buff
}

func runCLI(t *testing.T, buff *bytes.Buffer, args ...string) {
	t.Helper()
	buff.Reset()
	require.NoError(t, CLI().Run(append([]string{"fairmail"}, args...)))
}

func decodeOut(t *testing.T, buff *bytes.Buffer, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(buff.Bytes(), out), "output: %s", buff.String())
}

func TestKeyGen(t *testing.T) {
	buff := captureOutput(t)
	tmp := t.TempDir()
	runCLI(t, buff, "keygen", "--folder", tmp)

	fileStore := key.NewFileStore(tmp)
	pair, err := fileStore.LoadKeyPair()
	require.NoError(t, err)
	require.NotNil(t, pair.Public)
	require.Contains(t, buff.String(), pair.Public.Address().Hex())

	// a second run refuses to overwrite the identity
	runCLI(t, buff, "keygen", "--folder", tmp)
	require.Contains(t, buff.String(), "already present")

	runCLI(t, buff, "show", "--folder", tmp)
	require.Contains(t, buff.String(), pair.Public.Address().Hex())
}

type sealOutput struct {
	Envelope    string      `json:"envelope"`
	Key         common.Hash `json:"key"`
	Blind       common.Hash `json:"blind"`
	Commitment  common.Hash `json:"commitment"`
	ContentHash common.Hash `json:"content_hash"`
}

func TestSealOpen(t *testing.T) {
	buff := captureOutput(t)
	tmp := t.TempDir()
	src := path.Join(tmp, "letter.txt")
	msg := []byte("the weather will turn on thursday")
	require.NoError(t, os.WriteFile(src, msg, 0644))

	envPath := path.Join(tmp, "letter.sealed")
	runCLI(t, buff, "seal", "--out", envPath, src)

	var sealOut sealOutput
	decodeOut(t, buff, &sealOut)
	require.Equal(t, envPath, sealOut.Envelope)
	require.Equal(t, exchange.Commitment(sealOut.Key, sealOut.Blind), sealOut.Commitment)

	opened := path.Join(tmp, "letter.out")
	runCLI(t, buff, "open", "--key", sealOut.Key.Hex(), "--out", opened, envPath)
	got, err := os.ReadFile(opened)
	require.NoError(t, err)
	require.Equal(t, msg, got)

	// the wrong key opens nothing
	wrong := common.BytesToHash([]byte("wrong"))
	err = CLI().Run([]string{"fairmail", "open", "--key", wrong.Hex(), "--out", opened, envPath})
	require.Error(t, err)
}

// TestExchangeFlow drives a complete certified mail exchange through the
// command line: seal, acknowledge, create with a pledge, dispute, reveal,
// and finally open the envelope on the receiving side.
func TestExchangeFlow(t *testing.T) {
	buff := captureOutput(t)
	senderHome, receiverHome := t.TempDir(), t.TempDir()
	runCLI(t, buff, "keygen", "--folder", senderHome)
	runCLI(t, buff, "keygen", "--folder", receiverHome)

	senderPair, err := key.NewFileStore(senderHome).LoadKeyPair()
	require.NoError(t, err)
	receiverPair, err := key.NewFileStore(receiverHome).LoadKeyPair()
	require.NoError(t, err)
	sender := senderPair.Public.Address()
	receiver := receiverPair.Public.Address()

	ctx := context.Background()
	daemon, err := core.NewDaemon(core.NewConfig(
		core.WithConfigFolder(t.TempDir()),
		core.WithStorageType(exchange.MemDB),
		core.WithListenAddress("127.0.0.1:0"),
		core.WithInsecure(),
		core.WithLogger(test.Logger(t)),
		core.WithVersion("cli-test"),
	))
	require.NoError(t, err)
	require.NoError(t, daemon.Init(ctx))
	defer daemon.Stop(ctx)
	connect := "http://" + daemon.Address()

	// the sender seals the mail body
	src := path.Join(senderHome, "letter.txt")
	msg := []byte("certified: the goods shipped on monday")
	require.NoError(t, os.WriteFile(src, msg, 0644))
	envPath := path.Join(senderHome, "letter.sealed")
	runCLI(t, buff, "seal", "--out", envPath, src)
	var sealOut sealOutput
	decodeOut(t, buff, &sealOut)

	now := time.Now().Unix()
	t1 := strconv.FormatInt(now+3600, 10)
	t2 := strconv.FormatInt(now+7200, 10)

	// the receiver acknowledges the terms
	runCLI(t, buff, "ack", "--folder", receiverHome,
		"--sender", sender.Hex(), "--envelope", envPath,
		"--t1", t1, "--t2", t2, "--commitment", sealOut.Commitment.Hex())
	var ackOut struct {
		PID common.Hash `json:"pid"`
		Ack []byte      `json:"ack"`
	}
	decodeOut(t, buff, &ackOut)

	// the sender registers the exchange with a pledge
	runCLI(t, buff, "create", "--folder", senderHome, "--connect", connect,
		"--receiver", receiver.Hex(), "--envelope", envPath,
		"--t1", t1, "--t2", t2,
		"--commitment", sealOut.Commitment.Hex(),
		"--pledge", "500",
		"--ack", hexutil.Encode(ackOut.Ack))
	entry := new(exchange.Entry)
	decodeOut(t, buff, entry)
	require.Equal(t, ackOut.PID, entry.PID)
	require.Equal(t, sender, entry.Sender)
	require.Equal(t, receiver, entry.Receiver)

	runCLI(t, buff, "status", "--connect", connect, entry.PID.Hex())
	var status api.StatusResponse
	decodeOut(t, buff, &status)
	require.Equal(t, "created", status.Status)

	runCLI(t, buff, "ledger", "--connect", connect)
	var led api.LedgerResponse
	decodeOut(t, buff, &led)
	require.Equal(t, "500", led.Held)

	// the receiver signs their dispute half, the sender submits both
	runCLI(t, buff, "dispute", "--folder", receiverHome, "--connect", connect, entry.PID.Hex())
	var disputeOut struct {
		DisputeSig []byte `json:"dispute_sig"`
	}
	decodeOut(t, buff, &disputeOut)

	runCLI(t, buff, "dispute", "--folder", senderHome, "--connect", connect,
		"--countersig", hexutil.Encode(disputeOut.DisputeSig), entry.PID.Hex())
	decodeOut(t, buff, entry)
	require.True(t, entry.Disputed())

	// the sender reveals, and the pledge comes home
	runCLI(t, buff, "finalize", "--folder", senderHome, "--connect", connect,
		"--key", sealOut.Key.Hex(), "--blind", sealOut.Blind.Hex(), entry.PID.Hex())
	decodeOut(t, buff, entry)
	require.Equal(t, sealOut.Key, entry.Key)

	runCLI(t, buff, "ledger", "--connect", connect)
	decodeOut(t, buff, &led)
	require.Equal(t, "0", led.Held)

	runCLI(t, buff, "balances", "--connect", connect, sender.Hex())
	var bal api.Balance
	decodeOut(t, buff, &bal)
	require.Equal(t, "500", bal.Amount)

	// the receiver opens the envelope with the revealed key
	runCLI(t, buff, "get", "--connect", connect, entry.PID.Hex())
	decodeOut(t, buff, entry)
	opened := path.Join(receiverHome, "letter.txt")
	runCLI(t, buff, "open", "--key", entry.Key.Hex(), "--out", opened, envPath)
	got, err := os.ReadFile(opened)
	require.NoError(t, err)
	require.Equal(t, msg, got)
}
