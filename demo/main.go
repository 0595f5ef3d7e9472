// Package main walks a complete certified delivery against a live daemon:
// seal, create, dispute, finalize by reveal, then a second single-phase
// exchange settled by receipt. Run it with `go run ./demo`.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/fairmail/fairmail/api"
	"github.com/fairmail/fairmail/core"
	"github.com/fairmail/fairmail/exchange"
	"github.com/fairmail/fairmail/key"
	"github.com/fairmail/fairmail/log"
	"github.com/fairmail/fairmail/sealed"
)

var dbEngineType = flag.String("dbtype", "memdb", "Which storage engine to use. Supported values: bolt, badger, or memdb.")
var folderF = flag.String("folder", "", "Config folder for the daemon. Defaults to a throwaway temp dir.")

func main() {
	flag.Parse()

	folder := *folderF
	if folder == "" {
		var err error
		folder, err = os.MkdirTemp("", "fairmail-demo")
		checkErr(err)
		defer os.RemoveAll(folder)
	}

	fmt.Println("[+] Starting fairmail daemon")
	ctx := context.Background()
	conf := core.NewConfig(
		core.WithConfigFolder(folder),
		core.WithStorageType(exchange.StorageType(*dbEngineType)),
		core.WithListenAddress("127.0.0.1:0"),
		core.WithInsecure(),
		core.WithVersion("demo"),
		core.WithLogLevel(log.WarnLevel, false),
	)
	daemon, err := core.NewDaemon(conf)
	checkErr(err)
	checkErr(daemon.Init(ctx))
	defer daemon.Stop(ctx)
	setSignal(daemon)

	fmt.Printf("[+] Daemon listening on %s (%s storage)\n", daemon.Address(), *dbEngineType)

	alice, err := key.NewKeyPair()
	checkErr(err, "generating the sender identity")
	bob, err := key.NewKeyPair()
	checkErr(err, "generating the receiver identity")
	fmt.Printf("[+] Sender   %s\n", alice.Public.Address().Hex())
	fmt.Printf("[+] Receiver %s\n", bob.Public.Address().Hex())

	c := api.NewClient(log.DefaultLogger(), "http://"+daemon.Address(), nil)

	runRevealExchange(ctx, c, alice, bob)
	runReceiptExchange(ctx, c, alice, bob)

	held, err := c.Ledger(ctx)
	checkErr(err)
	fmt.Printf("[+] Escrow drained, held = %s\n", held.Held)
	bal, err := c.Balance(ctx, alice.Public.Address())
	checkErr(err)
	fmt.Printf("[+] Sender settled balance = %s\n", bal.Amount)
	fmt.Println("[+] Leaving demo - all good")
}

// runRevealExchange plays the full two-phase protocol: the receiver
// acknowledges the terms, the exchange is disputed inside the t1 window and
// the sender finalizes by revealing the sealing key before t2.
func runRevealExchange(ctx context.Context, c *api.Client, alice, bob *key.Pair) {
	message := []byte("the certified letter, first of two")
	k, err := sealed.NewKey()
	checkErr(err)
	blind, err := sealed.NewBlind()
	checkErr(err)
	env, err := sealed.Seal(k, message)
	checkErr(err)
	fmt.Println("[+] Sealed the message, content hash", env.ContentHash().Hex())

	sender := alice.Public.Address()
	receiver := bob.Public.Address()
	content := env.ContentHash()
	commitment := exchange.Commitment(k, blind)
	pid := exchange.PID(sender, receiver, content)
	now := time.Now().Unix()
	t1, t2 := now+3600, now+7200
	pledge := uint256.NewInt(1000)

	ack, err := bob.Sign(exchange.CreateAckDigest(pid, sender, t1, t2, commitment))
	checkErr(err, "receiver acknowledgment")
	sig, err := alice.Sign(exchange.CreateDigest(pid, t1, t2, commitment, pledge))
	checkErr(err, "create signature")

	entry, err := c.Create(ctx, &api.CreateRequest{
		Sender:      sender,
		Receiver:    receiver,
		ContentHash: content,
		T1:          t1,
		T2:          t2,
		Commitment:  commitment,
		Pledge:      pledge.Bytes(),
		SenderSig:   sig,
		ReceiverAck: ack,
	})
	checkErr(err, "create")
	fmt.Println("[+] Created two-phase exchange", entry.PID.Hex())

	held, err := c.Ledger(ctx)
	checkErr(err)
	fmt.Printf("[+] Escrow holds %s\n", held.Held)

	sSig, err := alice.Sign(exchange.DisputeDigest(pid, sender, t1, t2, commitment))
	checkErr(err)
	rSig, err := bob.Sign(exchange.DisputeDigest(pid, sender, t1, t2, commitment))
	checkErr(err)
	entry, err = c.Dispute(ctx, pid, &api.DisputeRequest{SenderSig: sSig, ReceiverSig: rSig})
	checkErr(err, "dispute")
	fmt.Printf("[+] Disputed at %d, sender must now reveal before t2\n", entry.DisputedAt)

	fSig, err := alice.Sign(exchange.FinalizeDigest(pid, commitment))
	checkErr(err)
	entry, err = c.Finalize(ctx, pid, &api.FinalizeRequest{Key: k, Blind: blind, SenderSig: fSig})
	checkErr(err, "finalize by reveal")
	fmt.Println("[+] Finalized by reveal, key is now public")

	plain, err := sealed.Open(entry.Key, env)
	checkErr(err, "opening with the revealed key")
	if !bytes.Equal(plain, message) {
		panic("revealed key does not open the envelope")
	}
	fmt.Printf("[+] Receiver opened the envelope: %q\n", plain)
}

// runReceiptExchange plays the single-phase variant: no dispute window, no
// commitment, the receiver hands over a signed receipt and the sender settles
// with it.
func runReceiptExchange(ctx context.Context, c *api.Client, alice, bob *key.Pair) {
	message := []byte("the certified letter, second of two")
	k, err := sealed.NewKey()
	checkErr(err)
	env, err := sealed.Seal(k, message)
	checkErr(err)

	sender := alice.Public.Address()
	receiver := bob.Public.Address()
	content := env.ContentHash()
	pid := exchange.PID(sender, receiver, content)
	t2 := time.Now().Unix() + 7200

	var zero common.Hash
	sig, err := alice.Sign(exchange.CreateDigest(pid, 0, t2, zero, nil))
	checkErr(err)
	_, err = c.Create(ctx, &api.CreateRequest{
		Sender:      sender,
		Receiver:    receiver,
		ContentHash: content,
		T2:          t2,
		SenderSig:   sig,
	})
	checkErr(err, "single-phase create")
	fmt.Println("[+] Created single-phase exchange", pid.Hex())

	receipt, err := bob.Sign(exchange.ReceiptDigest(pid, sender, 0, t2, zero))
	checkErr(err, "receipt signature")
	fSig, err := alice.Sign(exchange.FinalizeDigest(pid, exchange.ReceiptHash(receipt)))
	checkErr(err)
	_, err = c.Finalize(ctx, pid, &api.FinalizeRequest{Receipt: receipt, SenderSig: fSig})
	checkErr(err, "finalize by receipt")
	fmt.Println("[+] Finalized by receipt")

	status, err := c.Status(ctx, pid)
	checkErr(err)
	fmt.Printf("[+] Exchange is %s\n", status.Status)
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
		fmt.Println("[+] Received signal ", s.String())
		d.Stop(context.Background())
		os.Exit(1)
	}()
}

func checkErr(err error, out ...string) {
	if err == nil {
		return
	}
	if len(out) > 0 {
		panic(fmt.Errorf("%s: %v", out[0], err))
	}

	panic(err)
}
