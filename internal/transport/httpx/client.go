// Package httpx implements the backup.Transport interface against an
// HTTP storage backend. Control calls (begin, size check, chunk notify,
// commit, abort) go through a retrying resty client behind a circuit
// breaker; the payload itself streams on a separate long-lived request
// fed directly from the transfer pipe.
package httpx

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/devicekit/backupd/internal/backup"
	"github.com/devicekit/backupd/internal/infrastructure/config"
	"github.com/devicekit/backupd/internal/infrastructure/resilience"
	"github.com/devicekit/backupd/internal/logging"
	"github.com/devicekit/backupd/internal/shared/id"
)

// errRejected marks HTTP statuses that carry a result code of their own,
// so the breaker does not count them as transport failures.
var errRejected = errors.New("request rejected")

// transfer tracks the single in-flight transfer.
type transfer struct {
	id        id.TransferID
	producer  backup.Producer
	data      *os.File
	closeOnce sync.Once
	uploadErr chan error
}

func (t *transfer) closeData() {
	t.closeOnce.Do(func() {
		t.data.Close()
	})
}

// Client talks to the storage backend over HTTP.
type Client struct {
	base    string
	control *resty.Client
	stream  *http.Client
	breaker *resilience.Breaker
	log     *logging.Logger

	mu  sync.Mutex
	cur *transfer
}

// New creates a transport client from configuration.
func New(cfg config.TransportConfig, log *logging.Logger) *Client {
	if log == nil {
		log = logging.NewNop()
	}
	log = log.Named("transport")

	retry := retryablehttp.NewClient()
	retry.RetryMax = cfg.RetryMax
	retry.HTTPClient.Timeout = cfg.CallTimeout
	retry.Logger = nil

	control := resty.NewWithClient(retry.StandardClient()).
		SetBaseURL(cfg.Address).
		SetHeader("Content-Type", "application/json")

	breaker := resilience.New("transport", resilience.Settings{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		IsFailure: func(err error) bool {
			return err != nil && !errors.Is(err, errRejected)
		},
		OnStateChange: func(name string, from, to resilience.State) {
			log.Warn("Breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Client{
		base:    cfg.Address,
		control: control,
		// The payload request stays open for the whole transfer, so it
		// gets a client with no timeout and no retries.
		stream:  &http.Client{},
		breaker: breaker,
		log:     log,
	}
}

// BeginTransfer opens a transfer on the backend and starts streaming the
// pipe read end to it. It takes ownership of data.
func (c *Client) BeginTransfer(p backup.Producer, data *os.File, flags backup.TransferFlags) backup.ResultCode {
	xfer := &transfer{
		id:        id.NewTransferID(),
		producer:  p,
		data:      data,
		uploadErr: make(chan error, 1),
	}

	code := c.post("/v1/transfers", map[string]any{
		"transfer_id":    xfer.id.String(),
		"producer":       p.Name,
		"user_initiated": flags.UserInitiated,
	})
	if code != backup.ResultOK {
		data.Close()
		return code
	}

	c.mu.Lock()
	c.cur = xfer
	c.mu.Unlock()

	go c.upload(xfer)

	c.log.Info("Transfer started",
		zap.String("transfer_id", xfer.id.String()),
		zap.String("producer", p.Name))
	return backup.ResultOK
}

// upload streams the pipe into the backend until the write end closes.
func (c *Client) upload(xfer *transfer) {
	defer xfer.closeData()

	url := fmt.Sprintf("%s/v1/transfers/%s/data", c.base, xfer.id)
	req, err := http.NewRequest(http.MethodPost, url, xfer.data)
	if err != nil {
		xfer.uploadErr <- err
		return
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		c.log.Error("Upload failed",
			zap.String("transfer_id", xfer.id.String()),
			zap.Error(err))
		xfer.uploadErr <- err
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		xfer.uploadErr <- fmt.Errorf("upload status %d", resp.StatusCode)
		return
	}
	xfer.uploadErr <- nil
}

// Quota fetches the byte ceiling for p's transfer.
func (c *Client) Quota(p backup.Producer) (int64, error) {
	var out struct {
		Quota int64 `json:"quota"`
	}

	err := c.breaker.Execute(func() error {
		resp, err := c.control.R().
			SetResult(&out).
			Get("/v1/producers/" + p.Name + "/quota")
		if err != nil {
			return err
		}
		if resp.IsError() {
			return fmt.Errorf("quota status %d", resp.StatusCode())
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("fetch quota for %q: %w", p.Name, err)
	}
	return out.Quota, nil
}

// CheckSize validates a preflight estimate against the backend.
func (c *Client) CheckSize(estimate int64) backup.ResultCode {
	return c.postCurrent("/size", map[string]any{"estimate": estimate})
}

// SendChunk tells the backend to expect n more payload bytes.
func (c *Client) SendChunk(n int) backup.ResultCode {
	return c.postCurrent("/chunks", map[string]any{"bytes": n})
}

// Commit finalizes the current transfer on the backend. The payload
// request is still draining the pipe at this point; the backend pairs
// the commit with the upload's end of stream.
func (c *Client) Commit() backup.ResultCode {
	code := c.postCurrent("/commit", nil)

	c.mu.Lock()
	c.cur = nil
	c.mu.Unlock()
	return code
}

// Abort discards the current transfer and tears down the upload.
func (c *Client) Abort() {
	c.mu.Lock()
	xfer := c.cur
	c.cur = nil
	c.mu.Unlock()

	if xfer == nil {
		return
	}

	// Closing the read end unblocks the upload request.
	xfer.closeData()

	err := c.breaker.Execute(func() error {
		resp, err := c.control.R().
			Delete("/v1/transfers/" + xfer.id.String())
		if err != nil {
			return err
		}
		if resp.IsError() {
			return fmt.Errorf("abort status %d", resp.StatusCode())
		}
		return nil
	})
	if err != nil {
		c.log.Warn("Abort call failed",
			zap.String("transfer_id", xfer.id.String()),
			zap.Error(err))
	}
}

// NextDelay asks the backend for its advisory backoff before the next run.
func (c *Client) NextDelay() time.Duration {
	var out struct {
		DelayMS int64 `json:"delay_ms"`
	}

	err := c.breaker.Execute(func() error {
		resp, err := c.control.R().
			SetResult(&out).
			Get("/v1/schedule/delay")
		if err != nil {
			return err
		}
		if resp.IsError() {
			return fmt.Errorf("delay status %d", resp.StatusCode())
		}
		return nil
	})
	if err != nil {
		return 0
	}
	return time.Duration(out.DelayMS) * time.Millisecond
}

// postCurrent issues a control call scoped to the active transfer.
func (c *Client) postCurrent(suffix string, body map[string]any) backup.ResultCode {
	c.mu.Lock()
	xfer := c.cur
	c.mu.Unlock()

	if xfer == nil {
		return backup.ResultTransportAborted
	}
	return c.post("/v1/transfers/"+xfer.id.String()+suffix, body)
}

// post issues a control call and maps the HTTP status to a result code.
func (c *Client) post(path string, body map[string]any) backup.ResultCode {
	code := backup.ResultTransportAborted

	err := c.breaker.Execute(func() error {
		req := c.control.R()
		if body != nil {
			req.SetBody(body)
		}
		resp, err := req.Post(path)
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode() < 300:
			code = backup.ResultOK
			return nil
		case resp.StatusCode() == http.StatusForbidden:
			code = backup.ResultPackageRejected
			return errRejected
		case resp.StatusCode() == http.StatusRequestEntityTooLarge:
			code = backup.ResultQuotaExceeded
			return errRejected
		default:
			return fmt.Errorf("status %d", resp.StatusCode())
		}
	})
	if err != nil && !errors.Is(err, errRejected) {
		c.log.Error("Transport call failed",
			zap.String("path", path),
			zap.Error(err))
		return backup.ResultTransportAborted
	}
	return code
}
