// Package feed talks to the external registration channel: a ThingSpeak-style
// append-only log of entries, each carrying eight free-form fields. The
// reconciler reads recent entries through this client and pushes processed
// markers back through it.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/qrgate/qrgate/internal/config"
)

// Field layout of a registration entry on the channel.
const (
	fieldFullName = "field1"
	fieldEmail    = "field2"
	fieldPhone    = "field3"
	fieldPurpose  = "field4"
	fieldHost     = "field5"
	fieldNotes    = "field6"
	fieldAction   = "field7"
	fieldStatus   = "field8"
)

// ErrWriteRejected is returned when the channel answered the write but refused
// it, which the upstream signals with a zero entry id. The usual cause is two
// writes spaced closer than the upstream's minimum interval.
var ErrWriteRejected = errors.New("feed write rejected by upstream")

// Entry is one record from the channel feed. Unset fields arrive as JSON null
// and decode to empty strings.
type Entry struct {
	EntryID   int64     `json:"entry_id"`
	CreatedAt time.Time `json:"created_at"`
	Field1    string    `json:"field1"` // full name
	Field2    string    `json:"field2"` // email
	Field3    string    `json:"field3"` // phone
	Field4    string    `json:"field4"` // purpose
	Field5    string    `json:"field5"` // host
	Field6    string    `json:"field6"` // notes
	Field7    string    `json:"field7"` // action tag
	Field8    string    `json:"field8"` // status tag
}

// IsRegistrationCandidate reports whether the entry is a pending registration:
// action "register" and status "pending". Anything else on the channel
// (processed markers included) is ignored by the reconciler.
func (e Entry) IsRegistrationCandidate() bool {
	return strings.EqualFold(strings.TrimSpace(e.Field7), "register") &&
		strings.EqualFold(strings.TrimSpace(e.Field8), "pending")
}

// FullName returns the trimmed name field.
func (e Entry) FullName() string { return strings.TrimSpace(e.Field1) }

type feedsResponse struct {
	Feeds []Entry `json:"feeds"`
}

// Client reads from and writes to one channel. Reads and writes use separate
// timeouts: a read fetches a page and should answer quickly, a write is a
// single small request but the upstream can be slow to acknowledge it.
type Client struct {
	baseURL     string
	channelID   string
	readKey     string
	writeKey    string
	readClient  *http.Client
	writeClient *http.Client
}

// NewClient creates a feed client from configuration
func NewClient(cfg config.FeedConfig) *Client {
	return &Client{
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		channelID:   cfg.ChannelID,
		readKey:     cfg.ReadKey,
		writeKey:    cfg.WriteKey,
		readClient:  &http.Client{Timeout: 15 * time.Second},
		writeClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// FetchRecent retrieves the most recent results entries from the channel,
// oldest first as the upstream returns them.
func (c *Client) FetchRecent(ctx context.Context, results int) ([]Entry, error) {
	endpoint := fmt.Sprintf("%s/channels/%s/feeds.json?api_key=%s&results=%d",
		c.baseURL, url.PathEscape(c.channelID), url.QueryEscape(c.readKey), results)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build feed request: %w", err)
	}

	resp, err := c.readClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed fetch returned status %d", resp.StatusCode)
	}

	var payload feedsResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode feed response: %w", err)
	}

	return payload.Feeds, nil
}

// PushProcessedMarker appends a marker entry to the channel recording that a
// registration was imported as a pass, so downstream consumers of the feed see
// the outcome. Returns the new entry id on success and ErrWriteRejected when
// the upstream refused the write.
//
// Callers must respect the upstream's minimum write spacing; see PushLimiter.
func (c *Client) PushProcessedMarker(ctx context.Context, qrCode string, visitorID int64) (int64, error) {
	form := url.Values{}
	form.Set("api_key", c.writeKey)
	form.Set(fieldFullName, fmt.Sprintf("processed:qr_%s_id_%d", qrCode, visitorID))
	form.Set(fieldAction, "register")
	form.Set(fieldStatus, "processed")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/update",
		strings.NewReader(form.Encode()))
	if err != nil {
		return 0, fmt.Errorf("failed to build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.writeClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to push processed marker: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return 0, fmt.Errorf("failed to read push response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("feed push returned status %d", resp.StatusCode)
	}

	// The upstream answers with the new entry id as plain text; zero means
	// the write was refused.
	entryID, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected push response %q: %w", string(body), err)
	}
	if entryID == 0 {
		return 0, ErrWriteRejected
	}

	return entryID, nil
}
