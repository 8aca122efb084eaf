package queryhandler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/ruteri/tee-kms-handoff/handoff"
	"github.com/ruteri/tee-kms-handoff/interfaces"
)

// Client talks to the handoff endpoints of peer nodes. It implements
// interfaces.FragmentSource over an address book of peers.
//
// Peer refusals are mapped back to the protocol errors the peer reported, so
// that a refusal is never mistaken for misbehaviour.
type Client struct {
	Client *http.Client

	mu    sync.RWMutex
	peers map[interfaces.NodeID]string
	local map[interfaces.NodeID]*Handler
}

// NewClient creates a client with an empty address book.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		Client: httpClient,
		peers:  make(map[interfaces.NodeID]string),
		local:  make(map[interfaces.NodeID]*Handler),
	}
}

// SetPeer records the base URL of node.
func (c *Client) SetPeer(node interfaces.NodeID, url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers[node] = strings.TrimRight(url, "/")
}

// SetLocal serves requests addressed to node from an in-process handler.
// A node fetches its own fragment this way.
func (c *Client) SetLocal(node interfaces.NodeID, handler *Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.local[node] = handler
}

// FetchFragment implements interfaces.FragmentSource.
func (c *Client) FetchFragment(ctx context.Context, node interfaces.NodeID, req interfaces.FragmentRequest) (*interfaces.FragmentResponse, error) {
	c.mu.RLock()
	handler := c.local[node]
	c.mu.RUnlock()
	if handler != nil {
		return handler.ServeFragment(req)
	}

	url, err := c.peerURL(node)
	if err != nil {
		return nil, err
	}

	var resp interfaces.FragmentResponse
	if err := c.do(ctx, http.MethodPost, url+"/api/handoff/fragment", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Query asks node for its share metadata.
func (c *Client) Query(ctx context.Context, node interfaces.NodeID, req interfaces.QueryRequest) (*interfaces.QueryResponse, error) {
	url, err := c.peerURL(node)
	if err != nil {
		return nil, err
	}

	var resp interfaces.QueryResponse
	if err := c.do(ctx, http.MethodPost, url+"/api/handoff/query", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Fetch asks the node at url to fetch fragments for an active handoff.
func (c *Client) Fetch(ctx context.Context, url string, req interfaces.FetchRequest) (*interfaces.FetchResponse, error) {
	var resp interfaces.FetchResponse
	if err := c.do(ctx, http.MethodPost, strings.TrimRight(url, "/")+"/api/handoff/fetch", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status returns the handoff status the node at url tracks for key.
func (c *Client) Status(ctx context.Context, url string, key interfaces.SchemeKey) (*handoff.Status, error) {
	var resp handoff.Status
	endpoint := fmt.Sprintf("%s/api/handoff/status/%s/%d", strings.TrimRight(url, "/"), key.Runtime.String(), key.Scheme)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) peerURL(node interfaces.NodeID) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	url, ok := c.peers[node]
	if !ok {
		return "", fmt.Errorf("no address known for node %s", node)
	}
	return url, nil
}

func (c *Client) do(ctx context.Context, method, url string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("could not encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("could not initialize request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpClient := c.Client
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("could not reach peer: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("could not read peer response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return errorFor(resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("could not parse peer response: %w", err)
	}
	return nil
}

// maxResponseSize bounds peer responses. Fragments and matrices are a few
// kilobytes even for large committees.
const maxResponseSize = 4 << 20

// errorFor maps an HTTP status back to the protocol error the peer reported.
func errorFor(code int, msg string) error {
	switch code {
	case http.StatusGone:
		return fmt.Errorf("%w: peer: %s", interfaces.ErrStaleHandoff, msg)
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%w: peer: %s", interfaces.ErrNotReady, msg)
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: peer: %s", interfaces.ErrUnauthorized, msg)
	case http.StatusForbidden:
		return fmt.Errorf("%w: peer: %s", interfaces.ErrNotMember, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: peer: %s", interfaces.ErrAborted, msg)
	default:
		return fmt.Errorf("peer returned %d: %s", code, msg)
	}
}
