package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/netshare/netshare/internal/domain"
)

const tunnelImage = "netshare/tunnel:latest"

// HostedBackend drives the hosting provider's machines API over HTTP.
// Instance names embed the sharer's redacted id and a creation stamp
// so operators can attribute instances without seeing full peer ids.
type HostedBackend struct {
	BaseURL string
	APIKey  string
	App     string

	HTTP *http.Client
	now  func() time.Time
}

// NewHostedBackend returns a backend client with the given request timeout.
func NewHostedBackend(baseURL, apiKey, app string, timeout time.Duration) *HostedBackend {
	return &HostedBackend{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		App:     app,
		HTTP:    &http.Client{Timeout: timeout},
		now:     time.Now,
	}
}

type createMachineRequest struct {
	Name   string        `json:"name"`
	Config machineConfig `json:"config"`
}

type machineConfig struct {
	Image string            `json:"image"`
	Env   map[string]string `json:"env"`
}

type createMachineResponse struct {
	ID string `json:"id"`
}

// CreateInstance provisions a tunnel machine and returns its reference.
func (b *HostedBackend) CreateInstance(ctx context.Context, peerID string) (string, error) {
	name := fmt.Sprintf("netshare-%s-%d", domain.RedactPeerID(peerID), b.now().Unix())
	body, err := json.Marshal(createMachineRequest{
		Name: name,
		Config: machineConfig{
			Image: tunnelImage,
			Env:   map[string]string{"PEER_ID": peerID},
		},
	})
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/apps/%s/machines", b.BaseURL, b.App)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	b.setHeaders(req)

	resp, err := b.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("create instance %s: %v: %w", name, err, domain.ErrBackendUnavailable)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("create instance %s: status %d: %w", name, resp.StatusCode, domain.ErrBackendUnavailable)
	}

	var created createMachineResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&created); err != nil || created.ID == "" {
		// Some providers return the machine asynchronously without a
		// body; the requested name is still a valid reference.
		return name, nil
	}
	return created.ID, nil
}

// DestroyInstance tears down a tunnel machine.
func (b *HostedBackend) DestroyInstance(ctx context.Context, instance string) error {
	url := fmt.Sprintf("%s/apps/%s/machines/%s", b.BaseURL, b.App, instance)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	b.setHeaders(req)

	resp, err := b.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("destroy instance %s: %v: %w", instance, err, domain.ErrBackendUnavailable)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		// Already gone upstream; termination is idempotent.
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("destroy instance %s: status %d: %w", instance, resp.StatusCode, domain.ErrBackendUnavailable)
	}
	return nil
}

func (b *HostedBackend) setHeaders(req *http.Request) {
	if b.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")
}
