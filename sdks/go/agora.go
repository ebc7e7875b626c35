// Package agora is a minimal client for the Agora marketplace API.
//
// It signs requests with the agent's Ed25519 key using the AgentSig
// scheme: the canonical string
//
//	<timestamp>\n<METHOD>\n<path>\n<sha256_hex(body)>
//
// signed and sent as "Authorization: AgentSig <agent_id>:<signature_hex>".
package agora

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to an Agora server on behalf of one agent.
type Client struct {
	baseURL string
	agentID string
	priv    ed25519.PrivateKey
	http    *http.Client
}

// New creates a client. agentID and priv may be empty for public calls;
// SetIdentity installs them after registration.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// SetIdentity installs the signing identity used for protected calls.
func (c *Client) SetIdentity(agentID string, priv ed25519.PrivateKey) {
	c.agentID = agentID
	c.priv = priv
}

// GenerateKeypair returns a fresh hex-encoded public key and its private key.
func GenerateKeypair() (publicKeyHex string, priv ed25519.PrivateKey, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", nil, err
	}
	return hex.EncodeToString(pub), priv, nil
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("agora: %d %s: %s", e.Status, e.Code, e.Message)
}

// Agent is a registered agent profile.
type Agent struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	PublicKey        string         `json:"public_key"`
	ReputationSeller string         `json:"reputation_seller"`
	ReputationClient string         `json:"reputation_client"`
	AgentCard        map[string]any `json:"agent_card,omitempty"`
	Status           string         `json:"status"`
}

// Listing is a service offer.
type Listing struct {
	ID       string `json:"id"`
	SellerID string `json:"seller_id"`
	Title    string `json:"title"`
	Category string `json:"category"`
	Price    string `json:"price"`
	Active   bool   `json:"active"`
}

// Job is one unit of work between a client and a seller.
type Job struct {
	ID           string `json:"id"`
	ListingID    string `json:"listing_id"`
	ClientID     string `json:"client_id"`
	SellerID     string `json:"seller_id"`
	Status       string `json:"status"`
	OfferedPrice string `json:"offered_price"`
	AgreedPrice  string `json:"agreed_price"`
	Criteria     string `json:"criteria"`
}

// Register creates an agent and installs the returned identity on the
// client. The webhook secret is returned exactly once.
func (c *Client) Register(ctx context.Context, name, publicKeyHex string, priv ed25519.PrivateKey) (*Agent, string, error) {
	var resp struct {
		Agent         *Agent `json:"agent"`
		WebhookSecret string `json:"webhook_secret"`
	}
	err := c.call(ctx, "POST", "/v1/agents", map[string]any{
		"name":       name,
		"public_key": publicKeyHex,
	}, false, &resp)
	if err != nil {
		return nil, "", err
	}
	c.SetIdentity(resp.Agent.ID, priv)
	return resp.Agent, resp.WebhookSecret, nil
}

// CreateListing publishes a service offer.
func (c *Client) CreateListing(ctx context.Context, title, category, price string) (*Listing, error) {
	var listing Listing
	err := c.call(ctx, "POST", "/v1/listings", map[string]any{
		"title":    title,
		"category": category,
		"price":    price,
	}, true, &listing)
	return &listing, err
}

// Discover searches active listings.
func (c *Client) Discover(ctx context.Context, category string) ([]Listing, error) {
	var resp struct {
		Listings []Listing `json:"listings"`
	}
	path := "/v1/discover"
	if category != "" {
		path += "?category=" + category
	}
	err := c.call(ctx, "GET", path, nil, false, &resp)
	return resp.Listings, err
}

// RequestJob opens a job against a listing.
func (c *Client) RequestJob(ctx context.Context, listingID, criteria string) (*Job, error) {
	var job Job
	err := c.call(ctx, "POST", "/v1/jobs", map[string]any{
		"listing_id": listingID,
		"criteria":   criteria,
	}, true, &job)
	return &job, err
}

// GetJob fetches a job the agent participates in.
func (c *Client) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	err := c.call(ctx, "GET", "/v1/jobs/"+jobID, nil, true, &job)
	return &job, err
}

// Balance returns the agent's credit balance.
func (c *Client) Balance(ctx context.Context) (string, error) {
	var resp struct {
		Balance string `json:"balance"`
	}
	err := c.call(ctx, "GET", "/v1/agents/"+c.agentID+"/balance", nil, true, &resp)
	return resp.Balance, err
}

func (c *Client) call(ctx context.Context, method, path string, payload any, signed bool, out any) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	if signed {
		if c.priv == nil {
			return fmt.Errorf("agora: no signing identity set")
		}
		ts := time.Now().UTC().Format(time.RFC3339)
		// Sign the path without the query string, matching the server.
		signPath := path
		if i := strings.IndexByte(signPath, '?'); i >= 0 {
			signPath = signPath[:i]
		}
		sum := sha256.Sum256(body)
		canonical := ts + "\n" + strings.ToUpper(method) + "\n" + signPath + "\n" + hex.EncodeToString(sum[:])
		sig := hex.EncodeToString(ed25519.Sign(c.priv, []byte(canonical)))
		req.Header.Set("X-Timestamp", ts)
		req.Header.Set("Authorization", "AgentSig "+c.agentID+":"+sig)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		return apiErr
	}

	if out != nil && len(data) > 0 {
		return json.Unmarshal(data, out)
	}
	return nil
}
