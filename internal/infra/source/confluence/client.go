// Package confluence implements the content-source boundary against a
// Confluence-style REST API: spaces are groups, pages are items, and
// attachments are sub-items. Page bodies are converted from storage-format
// markup to plain text before they leave this package, so the rest of the
// system only ever sees analyzable text.
package confluence

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/piisweep/piisweep/internal/domain/scan"
	"github.com/piisweep/piisweep/internal/infra/extract"
	"github.com/piisweep/piisweep/pkg/common/logger"
)

var _ scan.ContentSource = (*Client)(nil)

const defaultPageLimit = 50

// Config holds the content source connection settings.
type Config struct {
	BaseURL  string
	Username string
	APIToken string

	// PageLimit is the page size used for list calls.
	PageLimit int
}

// Client is the REST content-source adapter.
type Client struct {
	baseURL   string
	username  string
	apiToken  string
	pageLimit int
	httpc     *http.Client

	// downloadLinks remembers each attachment's download path as reported
	// by the listing call, keyed by attachment id.
	mu            sync.Mutex
	downloadLinks map[string]string

	logger *logger.Logger
	tracer trace.Tracer
}

// NewClient creates a content-source client.
func NewClient(cfg Config, httpc *http.Client, log *logger.Logger, tracer trace.Tracer) *Client {
	if httpc == nil {
		httpc = &http.Client{}
	}
	limit := cfg.PageLimit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		username:      cfg.Username,
		apiToken:      cfg.APIToken,
		pageLimit:     limit,
		httpc:         httpc,
		downloadLinks: make(map[string]string),
		logger:        log.With("component", "confluence_client"),
		tracer:        tracer,
	}
}

type spaceResult struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

type pageResult struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  struct {
		Storage struct {
			Value string `json:"value"`
		} `json:"storage"`
	} `json:"body"`
}

type attachmentResult struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Extensions struct {
		MediaType string `json:"mediaType"`
	} `json:"extensions"`
	Links struct {
		Download string `json:"download"`
	} `json:"_links"`
}

type listPage[T any] struct {
	Results []T `json:"results"`
	Size    int `json:"size"`
}

// ListGroups returns every space of the content system.
func (c *Client) ListGroups(ctx context.Context) ([]scan.Group, error) {
	ctx, span := c.tracer.Start(ctx, "confluence_client.list_groups")
	defer span.End()

	spaces, err := listAll[spaceResult](ctx, c, "/rest/api/space", nil)
	if err != nil {
		return nil, fmt.Errorf("listing spaces: %w", err)
	}

	groups := make([]scan.Group, 0, len(spaces))
	for _, sp := range spaces {
		groups = append(groups, scan.Group{Key: sp.Key, Name: sp.Name})
	}
	span.SetAttributes(attribute.Int("group_count", len(groups)))
	return groups, nil
}

// ListItems returns a space's pages in the API's stable order, with bodies
// reduced to plain text.
func (c *Client) ListItems(ctx context.Context, groupKey string) ([]scan.Item, error) {
	ctx, span := c.tracer.Start(ctx, "confluence_client.list_items",
		trace.WithAttributes(attribute.String("group_key", groupKey)))
	defer span.End()

	path := fmt.Sprintf("/rest/api/space/%s/content/page", url.PathEscape(groupKey))
	pages, err := listAll[pageResult](ctx, c, path, url.Values{"expand": {"body.storage"}})
	if err != nil {
		return nil, fmt.Errorf("listing pages for space %s: %w", groupKey, err)
	}

	items := make([]scan.Item, 0, len(pages))
	for _, p := range pages {
		items = append(items, scan.Item{
			ID:    p.ID,
			Title: p.Title,
			Body:  extract.HTMLToText(p.Body.Storage.Value),
		})
	}
	span.SetAttributes(attribute.Int("item_count", len(items)))
	return items, nil
}

// ListSubItems returns a page's attachments.
func (c *Client) ListSubItems(ctx context.Context, itemID string) ([]scan.SubItem, error) {
	ctx, span := c.tracer.Start(ctx, "confluence_client.list_sub_items",
		trace.WithAttributes(attribute.String("item_id", itemID)))
	defer span.End()

	path := fmt.Sprintf("/rest/api/content/%s/child/attachment", url.PathEscape(itemID))
	attachments, err := listAll[attachmentResult](ctx, c, path, nil)
	if err != nil {
		return nil, fmt.Errorf("listing attachments for page %s: %w", itemID, err)
	}

	subs := make([]scan.SubItem, 0, len(attachments))
	c.mu.Lock()
	for _, att := range attachments {
		if att.Links.Download != "" {
			c.downloadLinks[att.ID] = att.Links.Download
		}
		subs = append(subs, scan.SubItem{
			ID:        att.ID,
			Name:      att.Title,
			MediaType: att.Extensions.MediaType,
		})
	}
	c.mu.Unlock()
	return subs, nil
}

// DownloadSubItem fetches an attachment's raw bytes.
func (c *Client) DownloadSubItem(ctx context.Context, subItemID string) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "confluence_client.download_sub_item",
		trace.WithAttributes(attribute.String("sub_item_id", subItemID)))
	defer span.End()

	c.mu.Lock()
	path, ok := c.downloadLinks[subItemID]
	c.mu.Unlock()
	if !ok {
		path = fmt.Sprintf("/rest/api/content/%s/download", url.PathEscape(subItemID))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("building download request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading attachment %s: %w", subItemID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("downloading attachment %s: status %d", subItemID, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// listAll walks a paginated list endpoint until it runs out of results.
func listAll[T any](ctx context.Context, c *Client, path string, params url.Values) ([]T, error) {
	var out []T
	start := 0
	for {
		q := url.Values{}
		for k, vs := range params {
			q[k] = vs
		}
		q.Set("start", fmt.Sprint(start))
		q.Set("limit", fmt.Sprint(c.pageLimit))

		var page listPage[T]
		if err := c.getJSON(ctx, path+"?"+q.Encode(), &page); err != nil {
			return nil, err
		}
		out = append(out, page.Results...)

		if len(page.Results) < c.pageLimit {
			return out, nil
		}
		start += len(page.Results)
	}
}

func (c *Client) getJSON(ctx context.Context, pathAndQuery string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+pathAndQuery, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("content source returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) authorize(req *http.Request) {
	if c.username != "" || c.apiToken != "" {
		req.SetBasicAuth(c.username, c.apiToken)
	}
}
