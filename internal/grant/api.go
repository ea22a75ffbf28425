package grant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// RoleAPI assigns roles to a verified subject via the external grant
// endpoint. Assign must be safe to call repeatedly with the same arguments.
type RoleAPI interface {
	Assign(ctx context.Context, credential, subject string, roles []string) error
}

// HTTPRoleAPI posts role assignments to the external grant service.
type HTTPRoleAPI struct {
	baseURL string
	http    *http.Client
}

func NewHTTPRoleAPI(baseURL string, timeout time.Duration) *HTTPRoleAPI {
	return &HTTPRoleAPI{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type assignRequest struct {
	Roles []string `json:"roles"`
}

func (a *HTTPRoleAPI) Assign(ctx context.Context, credential, subject string, roles []string) error {
	body, err := json.Marshal(assignRequest{Roles: roles})
	if err != nil {
		return fmt.Errorf("marshal assignment: %w", err)
	}

	endpoint := fmt.Sprintf("%s/subjects/%s/roles", a.baseURL, url.PathEscape(subject))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build assignment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("grant call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("grant API returned %d for %s", resp.StatusCode, subject)
	}
	return nil
}
