package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/ethereum/go-ethereum/common"
	json "github.com/nikkolasg/hexjson"
	cli "github.com/urfave/cli/v2"

	"github.com/fairmail/fairmail/api"
	"github.com/fairmail/fairmail/core"
	"github.com/fairmail/fairmail/exchange"
	"github.com/fairmail/fairmail/exchange/boltdb"
	"github.com/fairmail/fairmail/exchange/engine"
	errs "github.com/fairmail/fairmail/exchange/errors"
	"github.com/fairmail/fairmail/log"
)

// Automatically set through -ldflags
// Example: go install -ldflags "-X main.version=`git describe --tags`
//   -X main.buildDate=`date -u +%d/%m/%Y@%H:%M:%S` -X main.gitCommit=`git rev-parse HEAD`"
var (
	version   = "master"
	gitCommit = "none"
	buildDate = "unknown"
)

var (
	bucketFlag = &cli.StringFlag{
		Name:     "bucket",
		Usage:    "Name of the AWS bucket to upload to",
		Required: true,
	}
	regionFlag = &cli.StringFlag{
		Name:  "region",
		Usage: "Name of the AWS region to use (optional)",
	}
	connectFlag = &cli.StringFlag{
		Name:  "connect",
		Value: "http://" + core.DefaultListenAddress,
		Usage: "URL of the daemon's public API to watch",
	}
	folderFlag = &cli.StringFlag{
		Name:  "folder",
		Value: core.DefaultConfigFolder(),
		Usage: "Config folder holding the bolt entries db to sync from",
	}
)

func main() {
	app := &cli.App{
		Name:     "fairmail-relay-s3",
		Version:  version,
		Usage:    "AWS S3 archiver for finalized exchanges",
		Commands: []*cli.Command{runCmd, syncCmd},
	}
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Printf("fairmail AWS S3 relay %v (date %v, commit %v)\n", version, buildDate, gitCommit)
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Printf("error: %+v\n", err)
		os.Exit(1)
	}
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "watch a daemon and archive every exchange that finalizes",
	Flags: []cli.Flag{connectFlag, bucketFlag, regionFlag},

	Action: func(cctx *cli.Context) error {
		sess, err := session.NewSession(&aws.Config{Region: aws.String(cctx.String(regionFlag.Name))})
		if err != nil {
			return fmt.Errorf("creating aws session: %w", err)
		}

		if _, err := sess.Config.Credentials.Get(); err != nil {
			return fmt.Errorf("checking credentials: %w", err)
		}

		c := api.NewClient(log.DefaultLogger(), cctx.String(connectFlag.Name), nil)
		upr := s3manager.NewUploader(sess)
		watch(context.Background(), c, upr, cctx.String(bucketFlag.Name))
		return nil
	},
}

func watch(ctx context.Context, c *api.Client, upr *s3manager.Uploader, buc string) {
	for {
		ch, err := c.Watch(ctx)
		if err != nil {
			log.DefaultLogger().Errorw("", "relay_s3", "could not subscribe", "err", err)
			t := time.NewTimer(time.Second)
			select {
			case <-t.C:
				continue
			case <-ctx.Done():
				return
			}
		}
	INNER:
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					log.DefaultLogger().Warnw("", "relay_s3", "watch channel closed")
					t := time.NewTimer(time.Second)
					select {
					case <-t.C:
						break INNER
					case <-ctx.Done():
						return
					}
				}
				if ev.Type != string(engine.EventFinalized) {
					continue
				}
				log.DefaultLogger().Infow("", "relay_s3", "exchange finalized", "pid", ev.PID.Hex())
				go func(pid common.Hash) {
					entry, err := c.Get(ctx, pid)
					if err != nil {
						log.DefaultLogger().Errorw("", "relay_s3", "failed to fetch entry", "pid", pid.Hex(), "err", err)
						return
					}
					url, err := uploadEntry(ctx, upr, buc, entry)
					if err != nil {
						log.DefaultLogger().Errorw("", "relay_s3", "failed to upload entry", "err", err)
						return
					}
					log.DefaultLogger().Infow("", "relay_s3", "uploaded entry", "pid", pid.Hex(), "location", url)
				}(ev.PID)
			case <-ctx.Done():
				return
			}
		}
	}
}

func uploadEntry(ctx context.Context, upr *s3manager.Uploader, buc string, e *exchange.Entry) (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to marshal entry: %w", err)
	}
	r, err := upr.UploadWithContext(ctx, &s3manager.UploadInput{
		ACL:    aws.String("public-read"),
		Bucket: aws.String(buc),
		Key:    aws.String(fmt.Sprintf("entries/%s", e.PID.Hex())),
		Body:   bytes.NewBuffer(data),
		// finalized entries never change again
		ContentType:  aws.String("application/json"),
		CacheControl: aws.String("public, max-age=604800, immutable"),
	})
	if err != nil {
		return "", err
	}
	return r.Location, nil
}

var syncCmd = &cli.Command{
	Name:  "sync",
	Usage: "sync the AWS S3 bucket with a local bolt entries db. Run it against a stopped daemon's folder or a restored backup.",
	Flags: []cli.Flag{folderFlag, bucketFlag, regionFlag},

	Action: func(cctx *cli.Context) error {
		sess, err := session.NewSession(&aws.Config{Region: aws.String(cctx.String(regionFlag.Name))})
		if err != nil {
			return fmt.Errorf("creating aws session: %w", err)
		}

		if _, err := sess.Config.Credentials.Get(); err != nil {
			return fmt.Errorf("checking credentials: %w", err)
		}

		ctx := context.Background()
		conf := core.NewConfig(core.WithConfigFolder(cctx.String(folderFlag.Name)))
		store, err := boltdb.NewBoltStore(ctx, log.DefaultLogger(), conf.DBFolder(), conf.BoltOptions())
		if err != nil {
			return fmt.Errorf("opening the entries db: %w", err)
		}
		defer store.Close()

		buc := cctx.String(bucketFlag.Name)
		upr := s3manager.NewUploader(sess)

		uploaded := 0
		err = store.Cursor(ctx, func(ctx context.Context, cur exchange.Cursor) error {
			for e, err := cur.First(ctx); ; e, err = cur.Next(ctx) {
				if err != nil {
					return err
				}
				if !e.Finalized() {
					continue
				}
				url, err := uploadEntry(ctx, upr, buc, e)
				if err != nil {
					log.DefaultLogger().Errorw("", "relay_s3_sync", "failed to upload entry", "pid", e.PID.Hex(), "err", err)
					continue
				}
				uploaded++
				log.DefaultLogger().Infow("", "relay_s3_sync", "uploaded entry", "pid", e.PID.Hex(), "location", url)
			}
		})
		if err != nil && !errors.Is(err, errs.ErrEntryNotFound) {
			return err
		}

		fmt.Printf("synced %d finalized entries to %s\n", uploaded, buc)
		return nil
	},
}
