// Package lamp implements the lamp driver interface (spec §6) consumed by
// the Indicator State Machine: four actions plus a device list and a
// liveness probe, routed to a physical busy-light over HTTP. Grounded on
// the teacher's own REST client idiom (internal/ui/client.Client): a thin
// *http.Client wrapper with per-verb helpers and a status-code check, no
// third-party REST library, since none appears anywhere in the retrieval
// pack.
package lamp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// CommandTimeout bounds light/blink/alert/off calls (spec §6).
const CommandTimeout = 2000 * time.Millisecond

// ProbeTimeout bounds the currentpresence() liveness probe (spec §6).
const ProbeTimeout = 3000 * time.Millisecond

// Color is an RGB triple, each channel 0-100 (spec §6).
type Color struct {
	R, G, B int
}

// Device describes one lamp the driver's devices() call can see.
type Device struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Driver is the lamp driver interface the Indicator State Machine consumes
// (spec §6). Narrow so the indicator package can be tested against a fake.
type Driver interface {
	Light(ctx context.Context, c Color) error
	Blink(ctx context.Context, c Color, onTenths, offTenths int) error
	Alert(ctx context.Context, c Color, sound int, volume int) error
	Off(ctx context.Context) error
	Devices(ctx context.Context) ([]Device, error)
	CurrentPresence(ctx context.Context) (string, error)
}

// HTTPDriver implements Driver over a REST busy-light bridge, routing by a
// username key supplied as both the bridgeId query parameter and the
// x-connect365-username header (spec §6).
type HTTPDriver struct {
	baseURL    string
	username   string
	httpClient *http.Client
}

// NewHTTPDriver creates an HTTPDriver bound to baseURL, identifying itself
// to the bridge as username.
func NewHTTPDriver(baseURL, username string) *HTTPDriver {
	return &HTTPDriver{
		baseURL:  baseURL,
		username: username,
		httpClient: &http.Client{
			Timeout: ProbeTimeout,
		},
	}
}

func (d *HTTPDriver) Light(ctx context.Context, c Color) error {
	ctx, cancel := context.WithTimeout(ctx, CommandTimeout)
	defer cancel()
	return d.command(ctx, "light", url.Values{
		"r": {itoa(c.R)}, "g": {itoa(c.G)}, "b": {itoa(c.B)},
	})
}

func (d *HTTPDriver) Blink(ctx context.Context, c Color, onTenths, offTenths int) error {
	ctx, cancel := context.WithTimeout(ctx, CommandTimeout)
	defer cancel()
	return d.command(ctx, "blink", url.Values{
		"r": {itoa(c.R)}, "g": {itoa(c.G)}, "b": {itoa(c.B)},
		"on": {itoa(onTenths)}, "off": {itoa(offTenths)},
	})
}

func (d *HTTPDriver) Alert(ctx context.Context, c Color, sound int, volume int) error {
	ctx, cancel := context.WithTimeout(ctx, CommandTimeout)
	defer cancel()
	return d.command(ctx, "alert", url.Values{
		"r": {itoa(c.R)}, "g": {itoa(c.G)}, "b": {itoa(c.B)},
		"sound": {itoa(sound)}, "volume": {itoa(volume)},
	})
}

func (d *HTTPDriver) Off(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, CommandTimeout)
	defer cancel()
	return d.command(ctx, "off", url.Values{})
}

func (d *HTTPDriver) Devices(ctx context.Context) ([]Device, error) {
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()
	resp, err := d.get(ctx, "devices", url.Values{})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var devices []Device
	if err := json.NewDecoder(resp.Body).Decode(&devices); err != nil {
		return nil, fmt.Errorf("lamp: decode devices: %w", err)
	}
	return devices, nil
}

func (d *HTTPDriver) CurrentPresence(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()
	resp, err := d.get(ctx, "currentpresence", url.Values{})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var body struct {
		Presence string `json:"presence"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("lamp: decode presence: %w", err)
	}
	return body.Presence, nil
}

func (d *HTTPDriver) command(ctx context.Context, action string, params url.Values) error {
	resp, err := d.get(ctx, action, params)
	if err != nil {
		return err
	}
	return resp.Body.Close()
}

func (d *HTTPDriver) get(ctx context.Context, action string, params url.Values) (*http.Response, error) {
	params.Set("bridgeId", d.username)
	reqURL := fmt.Sprintf("%s/%s?%s", d.baseURL, action, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("lamp: create request: %w", err)
	}
	req.Header.Set("x-connect365-username", d.username)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lamp: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("lamp: unexpected status: %d", resp.StatusCode)
	}
	return resp, nil
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}
