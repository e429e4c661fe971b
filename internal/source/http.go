// Package source reads and writes entity snapshots through the ERP's REST
// endpoints. The engine never owns entity state; this client is its only
// window onto vouchers, items, and parties.
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tallybridge/tallysync/internal/config"
	"github.com/tallybridge/tallysync/internal/events"
	"github.com/tallybridge/tallysync/internal/models"
)

// Client is an HTTP entity source.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *events.Logger
}

// NewClient creates an entity source client from config.
func NewClient(cfg config.SourceConfig, logger *events.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.WithField("component", "source"),
	}
}

func collection(entityType models.EntityType) string {
	if entityType == models.EntityParty {
		return "parties"
	}
	return string(entityType) + "s"
}

func (c *Client) entityURL(companyID string, entityType models.EntityType, entityID string) string {
	return fmt.Sprintf("%s/companies/%s/%s/%s/snapshot", c.baseURL, companyID, collection(entityType), entityID)
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.client.Do(req)
}

// Snapshot reads the current state of one entity.
func (c *Client) Snapshot(ctx context.Context, companyID string, entityType models.EntityType, entityID string) (*models.EntitySnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.entityURL(companyID, entityType, entityID), nil)
	if err != nil {
		return nil, fmt.Errorf("build snapshot request: %w", err)
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, models.ErrRecordNotFound
	default:
		return nil, fmt.Errorf("fetch snapshot: unexpected status %d", resp.StatusCode)
	}

	var snap models.EntitySnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Type == "" {
		snap.Type = entityType
	}
	if snap.ID == "" {
		snap.ID = entityID
	}
	if snap.CompanyID == "" {
		snap.CompanyID = companyID
	}
	return &snap, nil
}

// Apply writes inbound external state back to the entity store.
func (c *Client) Apply(ctx context.Context, snap *models.EntitySnapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.entityURL(snap.CompanyID, snap.Type, snap.ID), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build apply request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("apply snapshot: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("apply snapshot: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// List returns the ids of every entity of one type in a company.
func (c *Client) List(ctx context.Context, companyID string, entityType models.EntityType) ([]string, error) {
	url := fmt.Sprintf("%s/companies/%s/%s?fields=id", c.baseURL, companyID, collection(entityType))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build list request: %w", err)
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list entities: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode entity list: %w", err)
	}
	return body.IDs, nil
}
