package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Resolver turns an opaque access token into an Identity.
type Resolver interface {
	Resolve(ctx context.Context, token string) (Identity, error)
}

// HTTPResolver asks the agency user-info service to resolve tokens.
type HTTPResolver struct {
	baseURL string
	client  *http.Client
}

// NewHTTPResolver builds a resolver against the given service base URL
// (e.g. "https://sm.example.co.kr").
func NewHTTPResolver(baseURL string, timeout time.Duration) *HTTPResolver {
	return &HTTPResolver{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// userInfoResponse mirrors the user-info service payload.
type userInfoResponse struct {
	Data struct {
		Info struct {
			Username  string   `json:"username"`
			Name      string   `json:"name"`
			StrRoles  []string `json:"strRoles"`
			AgentCode []string `json:"agent_cd"`
		} `json:"info"`
	} `json:"data"`
}

// Resolve calls GET /api/agent/userInfo with the token as a bearer
// credential. A user with an agent code is an operator keyed by that code;
// everyone else is a retailer keyed by username.
func (r *HTTPResolver) Resolve(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, &AuthError{Reason: "missing access token"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/api/agent/userInfo", nil)
	if err != nil {
		return Identity{}, fmt.Errorf("build userInfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.client.Do(req)
	if err != nil {
		return Identity{}, &AuthError{Reason: fmt.Sprintf("userInfo request failed: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Identity{}, &AuthError{Reason: fmt.Sprintf("userInfo returned status %d", resp.StatusCode)}
	}

	var body userInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Identity{}, &AuthError{Reason: fmt.Sprintf("malformed userInfo response: %v", err)}
	}

	info := body.Data.Info
	if len(info.AgentCode) > 0 {
		return Identity{ID: info.AgentCode[0], Role: Operator, DisplayName: info.Name}, nil
	}
	if info.Username == "" {
		return Identity{}, &AuthError{Reason: "userInfo response has no username"}
	}
	return Identity{ID: info.Username, Role: Retailer, DisplayName: info.Name}, nil
}
