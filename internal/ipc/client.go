package ipc

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"
)

// Client provides RPC access to the daemon.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		_ = c.client.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Start requests the daemon to start processing.
func (c *Client) Start() (*StartResponse, error) {
	var resp StartResponse
	if err := c.client.Call("Dopcast.Start", StartRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stop requests the daemon to stop processing.
func (c *Client) Stop() (*StopResponse, error) {
	var resp StopResponse
	if err := c.client.Call("Dopcast.Stop", StopRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status retrieves the daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.client.Call("Dopcast.Status", StatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Submit enqueues a new run.
func (c *Client) Submit(req SubmitRequest) (*SubmitResponse, error) {
	var resp SubmitResponse
	if err := c.client.Call("Dopcast.Submit", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RunList returns run projections optionally filtered by statuses.
func (c *Client) RunList(req RunListRequest) (*RunListResponse, error) {
	var resp RunListResponse
	if err := c.client.Call("Dopcast.RunList", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RunDescribe returns details for a single run.
func (c *Client) RunDescribe(id string) (*RunDescribeResponse, error) {
	var resp RunDescribeResponse
	if err := c.client.Call("Dopcast.RunDescribe", RunDescribeRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Cancel requests cancellation of a run.
func (c *Client) Cancel(id string) (*CancelResponse, error) {
	var resp CancelResponse
	if err := c.client.Call("Dopcast.Cancel", CancelRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Resume re-queues a failed run.
func (c *Client) Resume(id string) (*ResumeResponse, error) {
	var resp ResumeResponse
	if err := c.client.Call("Dopcast.Resume", ResumeRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ScheduleAdd registers a deferred or recurring run submission.
func (c *Client) ScheduleAdd(req ScheduleAddRequest) (*ScheduleAddResponse, error) {
	var resp ScheduleAddResponse
	if err := c.client.Call("Dopcast.ScheduleAdd", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ScheduleList returns scheduled jobs.
func (c *Client) ScheduleList() (*ScheduleListResponse, error) {
	var resp ScheduleListResponse
	if err := c.client.Call("Dopcast.ScheduleList", ScheduleListRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ScheduleCancel removes a scheduled job.
func (c *Client) ScheduleCancel(id string) (*ScheduleCancelResponse, error) {
	var resp ScheduleCancelResponse
	if err := c.client.Call("Dopcast.ScheduleCancel", ScheduleCancelRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
