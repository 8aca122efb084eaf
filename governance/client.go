package governance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ruteri/tee-kms-handoff/interfaces"
)

// Client calls the operator endpoints of a remote governance.
type Client struct {
	URL    string
	Client *http.Client
}

// AnnounceEpoch publishes committee selection for the next handoff.
func (c *Client) AnnounceEpoch(ctx context.Context, ev interfaces.EpochEvent) (*CommitteeResponse, error) {
	var resp CommitteeResponse
	if err := c.do(ctx, http.MethodPost, "/api/governance/epoch", ev, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Abandon gives up on the current handoff of id's runtime+scheme.
func (c *Client) Abandon(ctx context.Context, id interfaces.HandoffID, reason string) error {
	return c.do(ctx, http.MethodPost, "/api/governance/abandon", interfaces.AbandonEvent{HandoffID: id, Reason: reason}, nil)
}

// Committee returns the latest announced committee of key.
func (c *Client) Committee(ctx context.Context, key interfaces.SchemeKey) (*CommitteeResponse, error) {
	var resp CommitteeResponse
	path := fmt.Sprintf("/api/governance/committee/%s/%d", key.Runtime.String(), key.Scheme)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("could not encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.URL, "/")+path, reader)
	if err != nil {
		return fmt.Errorf("could not initialize request: %w", err)
	}

	httpClient := c.Client
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("could not request governance: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("could not read governance response: %w", err)
	}

	if resp.StatusCode == http.StatusConflict {
		return fmt.Errorf("%w: %s", interfaces.ErrStaleHandoff, strings.TrimSpace(string(respBody)))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("governance returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("could not parse governance response: %w", err)
	}
	return nil
}
