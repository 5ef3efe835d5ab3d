package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"strings"

	"github.com/wifivoucher/backend/internal/models"
)

func init() {
	register(models.VendorUbiquiti, func(r *models.Router) Gateway {
		return newUnifiGateway(r)
	})
}

// unifiGateway drives a UniFi controller over its REST API. Access grants
// are guest authorizations keyed by client MAC; authorizing an already
// authorized client or unauthorizing an unknown one are both no-ops on the
// controller, which gives us idempotency for free.
type unifiGateway struct {
	baseURL  string
	username string
	password string
	site     string
	client   *http.Client
}

func newUnifiGateway(r *models.Router) Gateway {
	jar, _ := cookiejar.New(nil)
	return &unifiGateway{
		baseURL:  fmt.Sprintf("https://%s", r.Addr()),
		username: r.Username,
		password: r.Password,
		site:     "default",
		client: &http.Client{
			Jar: jar,
			Transport: &http.Transport{
				// Local controllers run self-signed certificates
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}
}

type unifiResponse struct {
	Meta struct {
		RC  string `json:"rc"`
		Msg string `json:"msg"`
	} `json:"meta"`
	Data []map[string]interface{} `json:"data"`
}

func (g *unifiGateway) Provision(ctx context.Context, code, secret, clientMAC string, limits Limits) error {
	if clientMAC == "" {
		return newError(Unsupported, "provision", fmt.Errorf("unifi authorization requires a client MAC"))
	}
	if err := g.login(ctx); err != nil {
		return err
	}

	payload := map[string]interface{}{
		"cmd":     "authorize-guest",
		"mac":     strings.ToLower(clientMAC),
		"minutes": int(limits.Duration.Minutes()),
	}
	if limits.DataLimitBytes > 0 {
		payload["bytes"] = limits.DataLimitBytes / (1024 * 1024) // controller expects MB
	}
	if limits.SpeedLimitKbps > 0 {
		payload["up"] = limits.SpeedLimitKbps
		payload["down"] = limits.SpeedLimitKbps
	}

	_, err := g.post(ctx, "provision", fmt.Sprintf("/api/s/%s/cmd/stamgr", g.site), payload)
	return err
}

func (g *unifiGateway) Revoke(ctx context.Context, code, clientMAC string) error {
	if clientMAC == "" {
		// Nothing was ever authorized without a MAC
		return nil
	}
	if err := g.login(ctx); err != nil {
		return err
	}

	_, err := g.post(ctx, "revoke", fmt.Sprintf("/api/s/%s/cmd/stamgr", g.site), map[string]interface{}{
		"cmd": "unauthorize-guest",
		"mac": strings.ToLower(clientMAC),
	})
	return err
}

func (g *unifiGateway) FetchUsage(ctx context.Context, code, clientMAC string) (Usage, error) {
	if clientMAC == "" {
		return Usage{}, nil
	}
	if err := g.login(ctx); err != nil {
		return Usage{}, err
	}

	resp, err := g.get(ctx, "usage", fmt.Sprintf("/api/s/%s/stat/sta", g.site))
	if err != nil {
		return Usage{}, err
	}

	want := strings.ToLower(clientMAC)
	for _, sta := range resp.Data {
		mac, _ := sta["mac"].(string)
		if strings.ToLower(mac) != want {
			continue
		}
		rx, _ := sta["rx_bytes"].(float64)
		tx, _ := sta["tx_bytes"].(float64)
		return Usage{Bytes: int64(rx) + int64(tx), Observed: true}, nil
	}

	// Client not in the station table: no new usage observed
	return Usage{}, nil
}

func (g *unifiGateway) ProbeReachable(ctx context.Context) bool {
	return g.login(ctx) == nil
}

func (g *unifiGateway) login(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{
		"username": g.username,
		"password": g.password,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/api/login", bytes.NewReader(body))
	if err != nil {
		return newError(Protocol, "login", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return newError(Unreachable, "login", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest:
		return newError(AuthRejected, "login", fmt.Errorf("controller rejected credentials (HTTP %d)", resp.StatusCode))
	default:
		return newError(Protocol, "login", fmt.Errorf("unexpected login status %d", resp.StatusCode))
	}
}

func (g *unifiGateway) post(ctx context.Context, op, path string, payload interface{}) (*unifiResponse, error) {
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, newError(Protocol, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return g.do(op, req)
}

func (g *unifiGateway) get(ctx context.Context, op, path string) (*unifiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return nil, newError(Protocol, op, err)
	}
	return g.do(op, req)
}

func (g *unifiGateway) do(op string, req *http.Request) (*unifiResponse, error) {
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, newError(Unreachable, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, newError(AuthRejected, op, fmt.Errorf("session rejected"))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newError(Protocol, op, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var parsed unifiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, newError(Protocol, op, err)
	}
	if parsed.Meta.RC != "ok" {
		return nil, newError(Protocol, op, fmt.Errorf("controller error: %s", parsed.Meta.Msg))
	}
	return &parsed, nil
}
