package core

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	nhttp "net/http"
	"os"
	"path"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	clock "github.com/jonboulle/clockwork"
	"github.com/kabukky/httpscerts"
	"github.com/stretchr/testify/require"

	"github.com/fairmail/fairmail/api"
	"github.com/fairmail/fairmail/exchange"
	"github.com/fairmail/fairmail/exchange/engine"
	"github.com/fairmail/fairmail/key"
	"github.com/fairmail/fairmail/test"
)

func TestDaemonRequiresTLSOrInsecure(t *testing.T) {
	_, err := NewDaemon(NewConfig(WithConfigFolder(t.TempDir())))
	require.Error(t, err)
}

func daemonConfig(t *testing.T, folder string, typ exchange.StorageType, clk clock.Clock) *Config {
	t.Helper()
	return NewConfig(
		WithConfigFolder(folder),
		WithStorageType(typ),
		WithListenAddress("127.0.0.1:0"),
		WithInsecure(),
		WithClock(clk),
		WithLogger(test.Logger(t)),
		WithVersion("test"),
	)
}

func TestDaemonServesAPI(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFakeClockAt(time.Unix(1000, 0))

	d, err := NewDaemon(daemonConfig(t, t.TempDir(), exchange.MemDB, clk))
	require.NoError(t, err)
	require.NoError(t, d.Init(ctx))
	defer d.Stop(ctx)

	root := "http://" + d.Address()
	require.NoError(t, api.Ping(ctx, root))

	client := api.NewClient(test.Logger(t), root, nil)
	info, err := client.Info(ctx)
	require.NoError(t, err)
	require.Equal(t, "test", info.Version)
	require.Equal(t, string(exchange.MemDB), info.Storage)
}

func TestDaemonServesTLS(t *testing.T) {
	ctx := context.Background()
	folder := t.TempDir()

	certPath := path.Join(folder, "server.crt")
	keyPath := path.Join(folder, "server.key")
	if httpscerts.Check(certPath, keyPath) != nil {
		require.NoError(t, httpscerts.Generate(certPath, keyPath, "127.0.0.1"))
	}

	d, err := NewDaemon(NewConfig(
		WithConfigFolder(folder),
		WithStorageType(exchange.MemDB),
		WithListenAddress("127.0.0.1:0"),
		WithTLS(certPath, keyPath),
		WithLogger(test.Logger(t)),
		WithVersion("test"),
	))
	require.NoError(t, err)
	require.NoError(t, d.Init(ctx))
	defer d.Stop(ctx)

	pem, err := os.ReadFile(certPath)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(pem))
	transport := &nhttp.Transport{TLSClientConfig: &tls.Config{RootCAs: pool}}

	client := api.NewClient(test.Logger(t), "https://"+d.Address(), transport)
	info, err := client.Info(ctx)
	require.NoError(t, err)
	require.Equal(t, "test", info.Version)
}

// signedCreate builds a fully signed two-phase create request.
func signedCreate(t *testing.T, sender, receiver *key.Pair, t1, t2 int64, pledge *uint256.Int) *engine.CreateRequest {
	t.Helper()

	content := common.BytesToHash([]byte("letter"))
	commitment := exchange.Commitment(common.BytesToHash([]byte("k")), common.BytesToHash([]byte("b")))
	req := &engine.CreateRequest{
		Sender:      sender.Public.Address(),
		Receiver:    receiver.Public.Address(),
		ContentHash: content,
		T1:          t1,
		T2:          t2,
		Commitment:  commitment,
		Pledge:      pledge,
	}
	pid := exchange.PID(req.Sender, req.Receiver, content)

	sig, err := sender.Sign(exchange.CreateDigest(pid, t1, t2, commitment, pledge))
	require.NoError(t, err)
	req.SenderSig = sig

	ack, err := receiver.Sign(exchange.CreateAckDigest(pid, req.Sender, t1, t2, commitment))
	require.NoError(t, err)
	req.ReceiverAck = ack
	return req
}

func TestDaemonReloadsEscrow(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFakeClockAt(time.Unix(1000, 0))
	folder := t.TempDir()

	d, err := NewDaemon(daemonConfig(t, folder, exchange.BoltDB, clk))
	require.NoError(t, err)
	require.NoError(t, d.Init(ctx))

	pairs := test.BatchKeyPairs(t, 2)
	req := signedCreate(t, pairs[0], pairs[1], 2000, 3000, uint256.NewInt(750))
	_, err = d.Engine().Create(ctx, req)
	require.NoError(t, err)
	require.Equal(t, uint64(750), d.Book().Held().Uint64())

	d.Stop(ctx)
	<-d.WaitExit()

	// a restarted daemon over the same folder owes the same escrow
	d2, err := NewDaemon(daemonConfig(t, folder, exchange.BoltDB, clk))
	require.NoError(t, err)
	require.NoError(t, d2.Init(ctx))
	defer d2.Stop(ctx)

	require.Equal(t, uint64(750), d2.Book().Held().Uint64())
	require.NoError(t, d2.Book().Audit(ctx, d2.Store()))

	n, err := d2.Store().Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
