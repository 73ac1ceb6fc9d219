// Package api talks to the backend endpoints the negotiation engine depends
// on: channel-name resolution and ICE server discovery. Both are consumed at
// their boundary only; record CRUD lives elsewhere.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yosoyebj/betrora-coach-sub000/internal/domain"
)

// ErrUnauthorized means the caller is not a legitimate participant of the
// session. Fatal: the legacy naming fallback must not mask it.
var ErrUnauthorized = errors.New("not authorized for session channel")

// fallbackICEServers is used when discovery is unreachable. STUN-only, so
// connectivity degrades across restrictive networks, but calls on open
// networks still work.
var fallbackICEServers = []domain.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
}

// Client calls the coaching backend with a bearer credential.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates an API client for baseURL authenticated as token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type channelRequest struct {
	SessionID string `json:"sessionId"`
}

type channelResponse struct {
	ChannelName string `json:"channelName"`
}

// Resolve asks the backend for the canonical channel name of sessionID. The
// backend validates participation and derives the name from both participant
// ids, so it cannot be guessed from the session id alone. A 401/403 is fatal
// (ErrUnauthorized); any other failure falls back to the legacy name.
func (c *Client) Resolve(ctx context.Context, sessionID string) (domain.ChannelBinding, error) {
	binding, err := c.resolve(ctx, sessionID)
	if err == nil {
		return binding, nil
	}
	if errors.Is(err, ErrUnauthorized) {
		return domain.ChannelBinding{}, err
	}

	log.Warn().Err(err).Str("component", "api").Str("session", sessionID).
		Msg("channel lookup unavailable, using legacy naming")
	return domain.ChannelBinding{
		Name: "room:" + sessionID,
		Mode: domain.ModeLegacyFallback,
	}, nil
}

func (c *Client) resolve(ctx context.Context, sessionID string) (domain.ChannelBinding, error) {
	body, err := json.Marshal(channelRequest{SessionID: sessionID})
	if err != nil {
		return domain.ChannelBinding{}, fmt.Errorf("marshal channel request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rtc/session-channel", bytes.NewReader(body))
	if err != nil {
		return domain.ChannelBinding{}, fmt.Errorf("create http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.ChannelBinding{}, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.ChannelBinding{}, fmt.Errorf("read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.ChannelBinding{}, fmt.Errorf("%w: http %d", ErrUnauthorized, resp.StatusCode)
	default:
		return domain.ChannelBinding{}, fmt.Errorf("http %d: %s", resp.StatusCode, string(respBody))
	}

	var cr channelResponse
	if err := json.Unmarshal(respBody, &cr); err != nil {
		return domain.ChannelBinding{}, fmt.Errorf("unmarshal response: %w", err)
	}
	if cr.ChannelName == "" {
		return domain.ChannelBinding{}, errors.New("empty channel name in response")
	}

	return domain.ChannelBinding{Name: cr.ChannelName, Mode: domain.ModeValidated}, nil
}

type iceResponse struct {
	Servers []domain.ICEServer `json:"servers"`
}

// Servers fetches the ICE server list. Never fails hard: on any error the
// static STUN-only fallback is returned. Logs when the list carries no relay
// entry, since STUN-only degrades connectivity behind strict NATs.
func (c *Client) Servers(ctx context.Context) []domain.ICEServer {
	servers, err := c.servers(ctx)
	if err != nil {
		log.Warn().Err(err).Str("component", "api").Msg("ICE discovery failed, using static fallback")
		servers = fallbackICEServers
	}
	if !hasRelay(servers) {
		log.Warn().Str("component", "api").Msg("ICE server list has no TURN entry")
	}
	return servers
}

func (c *Client) servers(ctx context.Context) ([]domain.ICEServer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/rtc/ice-servers", nil)
	if err != nil {
		return nil, fmt.Errorf("create http request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d", resp.StatusCode)
	}

	var ir iceResponse
	if err := json.NewDecoder(resp.Body).Decode(&ir); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(ir.Servers) == 0 {
		return nil, errors.New("empty ICE server list")
	}
	return ir.Servers, nil
}

func hasRelay(servers []domain.ICEServer) bool {
	for _, s := range servers {
		for _, u := range s.URLs {
			if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
				return true
			}
		}
	}
	return false
}
