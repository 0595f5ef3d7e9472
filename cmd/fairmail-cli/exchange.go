package fairmail

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/urfave/cli/v2"

	"github.com/fairmail/fairmail/api"
	"github.com/fairmail/fairmail/exchange"
	"github.com/fairmail/fairmail/key"
	"github.com/fairmail/fairmail/sealed"
)

func keygenCmd(c *cli.Context) error {
	folder := c.String(folderFlag.Name)
	fileStore := key.NewFileStore(folder)

	if _, err := fileStore.LoadKeyPair(); err == nil {
		fmt.Fprintf(output, "Keypair already present in `%s`.\nRemove them before generating new one\n", folder)
		return nil
	}
	priv, err := key.NewKeyPair()
	if err != nil {
		return fmt.Errorf("could not generate keypair: %w", err)
	}
	if err := fileStore.SaveKeyPair(priv); err != nil {
		return fmt.Errorf("could not save key: %w", err)
	}

	fullpath := path.Join(folder, key.KeyFolderName)
	absPath, err := filepath.Abs(fullpath)
	if err != nil {
		return fmt.Errorf("err getting full path: %w", err)
	}
	fmt.Fprintln(output, "Generated keys at ", absPath)
	return printIdentity(priv.Public)
}

func showCmd(c *cli.Context) error {
	pair, err := loadKeyPair(c)
	if err != nil {
		return err
	}
	return printIdentity(pair.Public)
}

func printIdentity(id *key.Identity) error {
	var buff bytes.Buffer
	if err := toml.NewEncoder(&buff).Encode(id.TOML()); err != nil {
		return fmt.Errorf("could not encode identity: %w", err)
	}
	buff.WriteString("\n")
	fmt.Fprintln(output, buff.String())
	fmt.Fprintf(output, "Address: %s\n", id.Address().Hex())
	return nil
}

// hashFlagOrFresh reads a 32-byte hex flag, or draws a fresh value.
func hashFlagOrFresh(c *cli.Context, flag *cli.StringFlag, fresh func() (common.Hash, error)) (common.Hash, error) {
	if c.IsSet(flag.Name) {
		return parseHash(c.String(flag.Name))
	}
	return fresh()
}

func sealCmd(c *cli.Context) error {
	if !c.Args().Present() {
		return errors.New("missing plaintext file in argument")
	}
	src := c.Args().First()
	msg, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("reading %s: %w", src, err)
	}

	k, err := hashFlagOrFresh(c, keyFlag, sealed.NewKey)
	if err != nil {
		return err
	}
	blind, err := hashFlagOrFresh(c, blindFlag, sealed.NewBlind)
	if err != nil {
		return err
	}

	env, err := sealed.Seal(k, msg)
	if err != nil {
		return fmt.Errorf("sealing %s: %w", src, err)
	}
	buff, err := env.Marshal()
	if err != nil {
		return err
	}

	dest := src + ".sealed"
	if c.IsSet(outFlag.Name) {
		dest = c.String(outFlag.Name)
	}
	if err := os.WriteFile(dest, buff, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", dest, err)
	}

	// everything the sender needs: key and blind stay private until the
	// reveal, the commitment and content hash go into the create
	return printJSON(map[string]interface{}{
		"envelope":     dest,
		"key":          k,
		"blind":        blind,
		"commitment":   exchange.Commitment(k, blind),
		"content_hash": env.ContentHash(),
	})
}

func openCmd(c *cli.Context) error {
	if !c.Args().Present() {
		return errors.New("missing envelope file in argument")
	}
	if !c.IsSet(keyFlag.Name) {
		return errors.New("missing --key to open the envelope with")
	}
	k, err := parseHash(c.String(keyFlag.Name))
	if err != nil {
		return err
	}

	env, err := readEnvelope(c.Args().First())
	if err != nil {
		return err
	}
	msg, err := sealed.Open(k, env)
	if err != nil {
		return fmt.Errorf("could not open the envelope: %w", err)
	}

	if c.IsSet(outFlag.Name) {
		return os.WriteFile(c.String(outFlag.Name), msg, 0644)
	}
	_, err = output.Write(msg)
	return err
}

func readEnvelope(filePath string) (*sealed.Envelope, error) {
	buff, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("reading envelope %s: %w", filePath, err)
	}
	env := new(sealed.Envelope)
	if err := env.Unmarshal(buff); err != nil {
		return nil, fmt.Errorf("decoding envelope %s: %w", filePath, err)
	}
	return env, nil
}

func ackCmd(c *cli.Context) error {
	pair, err := loadKeyPair(c)
	if err != nil {
		return err
	}
	if !c.IsSet(senderFlag.Name) {
		return errors.New("missing --sender address")
	}
	sender, err := parseAddress(c.String(senderFlag.Name))
	if err != nil {
		return err
	}
	content, err := contentHash(c)
	if err != nil {
		return err
	}
	t1, t2 := c.Int64(t1Flag.Name), c.Int64(t2Flag.Name)
	if t1 == 0 {
		return errors.New("a single-phase exchange needs no acknowledgement, set --t1")
	}
	commitment, err := commitmentFlagValue(c)
	if err != nil {
		return err
	}

	pid := exchange.PID(sender, pair.Public.Address(), content)
	ack, err := pair.Sign(exchange.CreateAckDigest(pid, sender, t1, t2, commitment))
	if err != nil {
		return err
	}
	return printJSON(map[string]interface{}{
		"pid": pid,
		"ack": ack,
	})
}

func commitmentFlagValue(c *cli.Context) (common.Hash, error) {
	if !c.IsSet(commitmentFlag.Name) {
		return common.Hash{}, nil
	}
	return parseHash(c.String(commitmentFlag.Name))
}

func createCmd(c *cli.Context) error {
	pair, err := loadKeyPair(c)
	if err != nil {
		return err
	}
	if !c.IsSet(receiverFlag.Name) {
		return errors.New("missing --receiver address")
	}
	receiver, err := parseAddress(c.String(receiverFlag.Name))
	if err != nil {
		return err
	}
	content, err := contentHash(c)
	if err != nil {
		return err
	}
	t1, t2 := c.Int64(t1Flag.Name), c.Int64(t2Flag.Name)
	if t2 == 0 {
		return errors.New("missing --t2 deadline")
	}
	commitment, err := commitmentFlagValue(c)
	if err != nil {
		return err
	}

	req := &api.CreateRequest{
		Sender:      pair.Public.Address(),
		Receiver:    receiver,
		ContentHash: content,
		T1:          t1,
		T2:          t2,
		Commitment:  commitment,
	}

	var pledge *uint256.Int
	if c.IsSet(pledgeFlag.Name) {
		if pledge, err = parsePledge(c.String(pledgeFlag.Name)); err != nil {
			return err
		}
		req.Pledge = pledge.Bytes()
	}

	pid := exchange.PID(req.Sender, receiver, content)
	sig, err := pair.Sign(exchange.CreateDigest(pid, t1, t2, commitment, pledge))
	if err != nil {
		return err
	}
	req.SenderSig = sig

	if t1 != 0 {
		if !c.IsSet(ackFlag.Name) {
			return errors.New("a two-phase exchange needs the receiver's --ack signature")
		}
		if req.ReceiverAck, err = parseSig(c.String(ackFlag.Name)); err != nil {
			return err
		}
	}

	entry, err := getClient(c).Create(c.Context, req)
	if err != nil {
		return err
	}
	return printJSON(entry)
}

func disputeCmd(c *cli.Context) error {
	pair, err := loadKeyPair(c)
	if err != nil {
		return err
	}
	pid, err := pidArg(c)
	if err != nil {
		return err
	}

	client := getClient(c)
	entry, err := client.Get(c.Context, pid)
	if err != nil {
		return err
	}

	own, err := pair.Sign(exchange.DisputeDigest(entry.PID, entry.Sender, entry.T1, entry.T2, entry.Commitment))
	if err != nil {
		return err
	}

	if !c.IsSet(counterSigFlag.Name) {
		// sign-only: this half goes to the other party, who submits both
		return printJSON(map[string]interface{}{
			"pid":         pid,
			"dispute_sig": own,
		})
	}
	counter, err := parseSig(c.String(counterSigFlag.Name))
	if err != nil {
		return err
	}

	req := new(api.DisputeRequest)
	switch pair.Public.Address() {
	case entry.Sender:
		req.SenderSig, req.ReceiverSig = own, counter
	case entry.Receiver:
		req.SenderSig, req.ReceiverSig = counter, own
	default:
		return fmt.Errorf("local identity %s is neither party of %s", pair.Public.Address().Hex(), pid.Hex())
	}

	entry, err = client.Dispute(c.Context, pid, req)
	if err != nil {
		return err
	}
	return printJSON(entry)
}

func finalizeCmd(c *cli.Context) error {
	pair, err := loadKeyPair(c)
	if err != nil {
		return err
	}
	pid, err := pidArg(c)
	if err != nil {
		return err
	}

	byReceipt := c.IsSet(receiptFlag.Name)
	byReveal := c.IsSet(keyFlag.Name) || c.IsSet(blindFlag.Name)
	if byReceipt == byReveal {
		return errors.New("finalize either with --key and --blind, or with --receipt")
	}

	req := new(api.FinalizeRequest)
	var payload common.Hash
	if byReceipt {
		if req.Receipt, err = parseSig(c.String(receiptFlag.Name)); err != nil {
			return err
		}
		payload = exchange.ReceiptHash(req.Receipt)
	} else {
		if req.Key, err = parseHash(c.String(keyFlag.Name)); err != nil {
			return err
		}
		if req.Blind, err = parseHash(c.String(blindFlag.Name)); err != nil {
			return err
		}
		payload = exchange.Commitment(req.Key, req.Blind)
	}

	if req.SenderSig, err = pair.Sign(exchange.FinalizeDigest(pid, payload)); err != nil {
		return err
	}

	entry, err := getClient(c).Finalize(c.Context, pid, req)
	if err != nil {
		return err
	}
	return printJSON(entry)
}

func receiptCmd(c *cli.Context) error {
	pair, err := loadKeyPair(c)
	if err != nil {
		return err
	}
	pid, err := pidArg(c)
	if err != nil {
		return err
	}

	entry, err := getClient(c).Get(c.Context, pid)
	if err != nil {
		return err
	}
	if pair.Public.Address() != entry.Receiver {
		return fmt.Errorf("local identity %s is not the receiver of %s", pair.Public.Address().Hex(), pid.Hex())
	}

	receipt, err := pair.Sign(exchange.ReceiptDigest(entry.PID, entry.Sender, entry.T1, entry.T2, entry.Commitment))
	if err != nil {
		return err
	}
	return printJSON(map[string]interface{}{
		"pid":     pid,
		"receipt": receipt,
	})
}
