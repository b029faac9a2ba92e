package guild

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

var _ Source = (*Client)(nil)

// Client reads guilds and members from the Discord REST API with a bot token.
type Client struct {
	baseURL    string
	botToken   string
	httpClient *http.Client
}

type apiRole struct {
	ID          string `json:"id"`
	Permissions string `json:"permissions"`
}

type apiGuild struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	OwnerID string    `json:"owner_id"`
	Roles   []apiRole `json:"roles"`
}

type apiMember struct {
	User struct {
		ID string `json:"id"`
	} `json:"user"`
	Roles []string `json:"roles"`
}

// NewClient creates a client for baseURL (e.g. https://discord.com/api/v10).
func NewClient(baseURL, botToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		botToken:   botToken,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) FetchGuild(ctx context.Context, guildID string) (*Guild, error) {
	var g apiGuild
	found, err := c.get(ctx, "/guilds/"+url.PathEscape(guildID), &g)
	if err != nil {
		return nil, fmt.Errorf("discord guild request failed: %w", err)
	}
	if !found {
		return nil, ErrGuildNotFound
	}

	out := &Guild{ID: g.ID, OwnerID: g.OwnerID, Name: g.Name, Roles: make([]Role, 0, len(g.Roles))}
	for _, r := range g.Roles {
		bits, err := strconv.ParseUint(r.Permissions, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("discord role %s has invalid permissions %q", r.ID, r.Permissions)
		}
		out.Roles = append(out.Roles, Role{ID: r.ID, Permissions: Permissions(bits)})
	}
	return out, nil
}

// FetchMember resolves the member's effective guild permissions as the OR of @everyone
// (the role whose id equals the guild id) and every role the member holds.
func (c *Client) FetchMember(ctx context.Context, guildID, userID string) (*Member, error) {
	var m apiMember
	found, err := c.get(ctx, "/guilds/"+url.PathEscape(guildID)+"/members/"+url.PathEscape(userID), &m)
	if err != nil {
		return nil, fmt.Errorf("discord member request failed: %w", err)
	}
	if !found {
		return nil, nil
	}

	g, err := c.FetchGuild(ctx, guildID)
	if err != nil {
		return nil, err
	}

	member := &Member{UserID: userID, RoleIDs: m.Roles}
	for _, r := range g.Roles {
		if r.ID == guildID || member.HasRole(r.ID) {
			member.Permissions |= r.Permissions
		}
	}
	return member, nil
}

// get decodes a 200 response into out. A 404 (or 403 for a guild the bot cannot see)
// reports found=false.
func (c *Client) get(ctx context.Context, path string, out interface{}) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bot "+c.botToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusForbidden:
		return false, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return true, nil
}
