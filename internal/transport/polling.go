package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"whiteboard/internal/protocol"
)

// PollWait is how long the relay may hold a poll open before answering
// with an empty batch.
const PollWait = 25 * time.Second

// maxBatch caps how many envelopes one send request carries.
const maxBatch = 256

// PollingDialer emulates a bidirectional stream with HTTP requests:
// POST <Path> opens a session, GET <Path>/<id> long-polls for inbound
// envelopes, POST <Path>/<id> sends and DELETE <Path>/<id> closes.
type PollingDialer struct {
	// Client defaults to an http.Client with no overall timeout; every
	// request is bounded by its context.
	Client *http.Client
	// Path defaults to /poll.
	Path string
}

func (d *PollingDialer) Dial(ctx context.Context, baseURL string) (Conn, error) {
	client := d.Client
	if client == nil {
		client = &http.Client{}
	}
	path := d.Path
	if path == "" {
		path = "/poll"
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	endpoint := base.JoinPath(path)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("polling open: %w", err)
	}

	//goland:noinspection GoUnhandledErrorResult
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: polling open returned %d", ErrHandshake, resp.StatusCode)
	}

	var info protocol.SessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil || info.ID == "" {
		return nil, fmt.Errorf("%w: polling open returned no session", ErrHandshake)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	c := &pollConn{
		link:     newLink(info.ID),
		client:   client,
		endpoint: endpoint.JoinPath(info.ID).String(),
		ctx:      pollCtx,
		cancel:   cancel,
	}
	go c.pollLoop()
	go c.sendLoop()
	return c, nil
}

type pollConn struct {
	*link
	client   *http.Client
	endpoint string
	ctx      context.Context
	cancel   context.CancelFunc
}

// Close ends the session and tells the relay in the background.
func (c *pollConn) Close() error {
	c.finish(ReasonClientDisconnect)
	c.cancel()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint, nil)
		if err != nil {
			return
		}
		if resp, err := c.client.Do(req); err == nil {
			resp.Body.Close()
		}
	}()
	return nil
}

// pollLoop long-polls the relay and feeds the inbound channel
func (c *pollConn) pollLoop() {
	defer c.cancel()

	for {
		batch, reason, err := c.poll()
		if err != nil {
			c.finish(reason)
			return
		}

		for _, env := range batch {
			if !c.deliver(env) {
				return
			}
		}
	}
}

func (c *pollConn) poll() ([]protocol.Envelope, Reason, error) {
	ctx, cancel := context.WithTimeout(c.ctx, PollWait+pongWait)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, ReasonTransportError, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ReasonPingTimeout, err
		}
		return nil, ReasonTransportError, err
	}

	//goland:noinspection GoUnhandledErrorResult
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		return nil, "", nil
	case http.StatusGone:
		return nil, ReasonServerDisconnect, ErrClosed
	default:
		return nil, ReasonTransportClose, fmt.Errorf("poll returned %d", resp.StatusCode)
	}

	var batch []protocol.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, ReasonTransportError, fmt.Errorf("decode poll batch: %w", err)
	}
	return batch, "", nil
}

// sendLoop posts queued envelopes one batch at a time, preserving order
func (c *pollConn) sendLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.ready:
		}

		batch := c.take()
		for len(batch) > 0 {
			n := min(len(batch), maxBatch)
			if err := c.send(batch[:n]); err != nil {
				c.finish(ReasonTransportError)
				c.cancel()
				return
			}
			batch = batch[n:]
		}
	}
}

func (c *pollConn) send(batch []protocol.Envelope) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.ctx, writeWait)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}

	//goland:noinspection GoUnhandledErrorResult
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("send returned %d", resp.StatusCode)
	}
	return nil
}
