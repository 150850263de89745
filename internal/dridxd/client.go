package dridxd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"driveindex/internal/core/indexer"
	"driveindex/internal/index/model"
)

type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string { return fmt.Sprintf("rpc error (%d): %s", e.Code, e.Message) }

type Client struct {
	conn   net.Conn
	r      *bufio.Reader
	w      *bufio.Writer
	nextID int64
}

func Dial(addr string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return nil, err
	}
	return &Client{
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
	}, nil
}

func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

type rawResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

func (c *Client) call(method string, params any, out any) error {
	if c == nil || c.conn == nil {
		return fmt.Errorf("client is nil")
	}
	id := atomic.AddInt64(&c.nextID, 1)
	req := Request{JSONRPC: "2.0", Method: method, ID: json.RawMessage(fmt.Sprintf("%d", id))}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return err
		}
		req.Params = b
	}

	if err := WriteOneLine(c.w, req); err != nil {
		return err
	}
	if err := c.w.Flush(); err != nil {
		return err
	}

	line, err := ReadOneLine(c.r)
	if err != nil {
		return err
	}
	var resp rawResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return err
	}
	if resp.Error != nil {
		return &RPCError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Result, out)
}

func (c *Client) Ping() error {
	var out string
	if err := c.call("ping", nil, &out); err != nil {
		return err
	}
	if out != "pong" {
		return fmt.Errorf("unexpected ping result: %q", out)
	}
	return nil
}

func (c *Client) Version() (string, error) {
	var out string
	if err := c.call("version", nil, &out); err != nil {
		return "", err
	}
	return out, nil
}

func (c *Client) IndexStart(root string) (IndexStartResult, error) {
	var out IndexStartResult
	err := c.call("index.start", IndexStartParams{Root: root}, &out)
	return out, err
}

func (c *Client) IndexStop(volumeID string) error {
	return c.call("index.stop", VolumeParams{VolumeID: volumeID}, nil)
}

func (c *Client) IndexClear(volumeID string) error {
	return c.call("index.clear", VolumeParams{VolumeID: volumeID}, nil)
}

func (c *Client) IndexStatus(volumeID string) (indexer.StatusInfo, error) {
	var out indexer.StatusInfo
	err := c.call("index.status", VolumeParams{VolumeID: volumeID}, &out)
	return out, err
}

func (c *Client) Enrich(volumeID string, paths []string) ([]*model.DirStats, error) {
	var out []*model.DirStats
	err := c.call("index.enrich", EnrichParams{VolumeID: volumeID, Paths: paths}, &out)
	return out, err
}

func (c *Client) Prioritize(volumeID, path, priority string) error {
	return c.call("index.prioritize",
		PrioritizeParams{VolumeID: volumeID, Path: path, Priority: priority}, nil)
}

func (c *Client) CancelNav(volumeID, path string) error {
	return c.call("index.cancel_nav", CancelNavParams{VolumeID: volumeID, Path: path}, nil)
}

// Subscribe switches the connection into streaming mode and invokes fn for
// every index event until the connection drops. The client is unusable for
// further calls afterwards.
func (c *Client) Subscribe(fn func(Event)) error {
	var ack string
	if err := c.call("index.subscribe", nil, &ack); err != nil {
		return err
	}
	for {
		line, err := ReadOneLine(c.r)
		if err != nil {
			return err
		}
		var note Request
		if err := json.Unmarshal(line, &note); err != nil {
			continue
		}
		if note.Method != "index.event" || len(note.Params) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(note.Params, &ev); err != nil {
			continue
		}
		fn(ev)
	}
}
