package api

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	nhttp "net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	json "github.com/nikkolasg/hexjson"

	"github.com/fairmail/fairmail/exchange"
	errs "github.com/fairmail/fairmail/exchange/errors"
	"github.com/fairmail/fairmail/log"
)

const defaultHTTPTimeout = 60 * time.Second
const maxTimeoutHTTPRequest = 5 * time.Second

const httpWaitMaxCounter = 20
const httpWaitInterval = 2 * time.Second

// Client talks to a fairmail daemon through its public HTTP API.
type Client struct {
	root   string
	client *nhttp.Client
	agent  string
	l      log.Logger
}

// NewClient creates a new client pointing to an HTTP endpoint.
func NewClient(l log.Logger, url string, transport nhttp.RoundTripper) *Client {
	if transport == nil {
		transport = nhttp.DefaultTransport
	}
	if !strings.HasSuffix(url, "/") {
		url += "/"
	}
	return &Client{
		root: url,
		client: &nhttp.Client{
			Timeout:   defaultHTTPTimeout,
			Transport: transport,
		},
		agent: "fairmail-client/1.0",
		l:     l,
	}
}

// String returns the name of this client.
func (c *Client) String() string {
	return fmt.Sprintf("HTTP(%q)", c.root)
}

// Create registers a new entry and returns it as stored.
func (c *Client) Create(ctx context.Context, req *CreateRequest) (*exchange.Entry, error) {
	entry := &exchange.Entry{}
	if err := c.post(ctx, "v1/entries", req, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Dispute triggers the dispute phase on the entry.
func (c *Client) Dispute(ctx context.Context, pid common.Hash, req *DisputeRequest) (*exchange.Entry, error) {
	entry := &exchange.Entry{}
	if err := c.post(ctx, "v1/entries/"+pid.Hex()+"/dispute", req, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Finalize completes the entry by key reveal or receipt.
func (c *Client) Finalize(ctx context.Context, pid common.Hash, req *FinalizeRequest) (*exchange.Entry, error) {
	entry := &exchange.Entry{}
	if err := c.post(ctx, "v1/entries/"+pid.Hex()+"/finalize", req, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Get returns the stored entry.
func (c *Client) Get(ctx context.Context, pid common.Hash) (*exchange.Entry, error) {
	entry := &exchange.Entry{}
	if err := c.get(ctx, "v1/entries/"+pid.Hex(), entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Status returns the entry's lifecycle state at the server's clock.
func (c *Client) Status(ctx context.Context, pid common.Hash) (*StatusResponse, error) {
	status := &StatusResponse{}
	if err := c.get(ctx, "v1/entries/"+pid.Hex()+"/status", status); err != nil {
		return nil, err
	}
	return status, nil
}

// Ledger returns the aggregate escrow balance.
func (c *Client) Ledger(ctx context.Context) (*LedgerResponse, error) {
	ledger := &LedgerResponse{}
	if err := c.get(ctx, "v1/ledger", ledger); err != nil {
		return nil, err
	}
	return ledger, nil
}

// Balances returns every settled credit.
func (c *Client) Balances(ctx context.Context) ([]Balance, error) {
	var balances []Balance
	if err := c.get(ctx, "v1/balances", &balances); err != nil {
		return nil, err
	}
	return balances, nil
}

// Balance returns the settled credit of one address.
func (c *Client) Balance(ctx context.Context, addr common.Address) (*Balance, error) {
	balance := &Balance{}
	if err := c.get(ctx, "v1/balances/"+addr.Hex(), balance); err != nil {
		return nil, err
	}
	return balance, nil
}

// Info describes the server.
func (c *Client) Info(ctx context.Context) (*InfoResponse, error) {
	info := &InfoResponse{}
	if err := c.get(ctx, "v1/info", info); err != nil {
		return nil, err
	}
	return info, nil
}

// Watch subscribes to the server's event stream. The returned channel closes
// when the context ends or the stream breaks.
func (c *Client) Watch(ctx context.Context) (<-chan Event, error) {
	req, err := nhttp.NewRequestWithContext(ctx, nhttp.MethodGet, c.root+"v1/watch", nhttp.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", c.agent)
	req.Header.Set("Accept", "text/event-stream")

	// the stream outlives any client timeout
	streaming := &nhttp.Client{Transport: c.client.Transport}
	resp, err := streaming.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != nhttp.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				c.l.Warnw("", "client", "watch decode", "err", err)
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	buff, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := nhttp.NewRequestWithContext(ctx, nhttp.MethodPost, c.root+path, bytes.NewReader(buff))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", c.agent)
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := nhttp.NewRequestWithContext(ctx, nhttp.MethodGet, c.root+path, nhttp.NoBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", c.agent)
	return c.do(req, out)
}

func (c *Client) do(req *nhttp.Request, out interface{}) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return decodeError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// decodeError maps a rejection payload back to its protocol sentinel, so
// errors.Is works across the HTTP boundary.
func decodeError(resp *nhttp.Response) error {
	var er ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil || er.Error == "" {
		return fmt.Errorf("unexpected response %q", resp.Status)
	}
	if sentinel := errs.ByReason(er.Error); sentinel != nil {
		return sentinel
	}
	return fmt.Errorf("%s: %s", resp.Status, er.Error)
}

// Ping checks the server's health endpoint once.
func Ping(ctx context.Context, root string) error {
	if !strings.HasSuffix(root, "/") {
		root += "/"
	}
	ctx, cancel := context.WithTimeout(ctx, maxTimeoutHTTPRequest)
	defer cancel()

	req, err := nhttp.NewRequestWithContext(ctx, nhttp.MethodGet, root+"health", nhttp.NoBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := nhttp.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != nhttp.StatusOK {
		return fmt.Errorf("unexpected response %q", resp.Status)
	}
	return nil
}

// IsServerReady polls the health endpoint until the server answers.
func IsServerReady(ctx context.Context, addr string) error {
	counter := 0
	for {
		err := Ping(ctx, "http://"+addr)
		if err == nil {
			return nil
		}

		counter++
		if counter == httpWaitMaxCounter {
			return fmt.Errorf("timeout waiting http server to be ready")
		}

		time.Sleep(httpWaitInterval)
	}
}
