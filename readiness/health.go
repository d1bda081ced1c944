package readiness

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gammadia/minidcos/cluster"
	"github.com/gammadia/minidcos/node"
	"github.com/gammadia/minidcos/platform"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/samber/lo"
)

const (
	healthPath = "/system/health/v1/units"
	loginPath  = "/acs/api/v1/auth/login"
)

// HealthChecker makes one attempt at telling whether DC/OS is up on a cluster.
type HealthChecker interface {
	CheckHealth(ctx context.Context, c *cluster.Cluster) error
}

// HTTPHealthChecker asks the health API of the first master whether every DC/OS
// unit is healthy, logging in first on enterprise clusters.
type HTTPHealthChecker struct {
	Client  *http.Client
	Scheme  string
	Variant platform.Variant
	// Superuser credentials, only used on enterprise clusters.
	Username string
	Password string
	// Address overrides the master address, such as "127.0.0.1:8080".
	Address string
}

// HTTPHealthChecker implements HealthChecker
var _ HealthChecker = (*HTTPHealthChecker)(nil)

// NewHTTPHealthChecker trusts any certificate, since clusters sign their own.
func NewHTTPHealthChecker(variant platform.Variant, username, password string) *HTTPHealthChecker {
	client := cleanhttp.DefaultPooledClient()
	client.Transport.(*http.Transport).TLSClientConfig = &tls.Config{InsecureSkipVerify: true}

	return &HTTPHealthChecker{
		Client:   client,
		Scheme:   "http",
		Variant:  variant,
		Username: lo.Ternary(username != "", username, "admin"),
		Password: lo.Ternary(password != "", password, "admin"),
	}
}

func (p *HTTPHealthChecker) CheckHealth(ctx context.Context, c *cluster.Cluster) error {
	base, err := p.baseURL(c)
	if err != nil {
		return err
	}

	header := http.Header{}
	if p.Variant == platform.Enterprise {
		token, err := p.login(ctx, base)
		if err != nil {
			return err
		}
		header.Set("Authorization", "token="+token)
	}

	var health struct {
		Units []struct {
			ID     string `json:"id"`
			Health int    `json:"health"`
		} `json:"units"`
	}
	if err := p.do(ctx, http.MethodGet, base+healthPath, header, nil, &health); err != nil {
		return err
	}
	if len(health.Units) == 0 {
		return fmt.Errorf("no DC/OS unit reported yet")
	}
	for _, unit := range health.Units {
		if unit.Health != 0 {
			return fmt.Errorf("unit '%s' is not healthy", unit.ID)
		}
	}
	return nil
}

func (p *HTTPHealthChecker) baseURL(c *cluster.Cluster) (string, error) {
	scheme := lo.Ternary(p.Scheme != "", p.Scheme, "http")
	if p.Address != "" {
		return scheme + "://" + p.Address, nil
	}

	masters := c.Masters()
	if len(masters) == 0 {
		return "", fmt.Errorf("cluster '%s' has no master", c.ID())
	}
	return scheme + "://" + reachableAddress(masters[0]), nil
}

func (p *HTTPHealthChecker) login(ctx context.Context, base string) (string, error) {
	body, err := json.Marshal(map[string]string{"uid": p.Username, "password": p.Password})
	if err != nil {
		return "", err
	}

	var response struct {
		Token string `json:"token"`
	}
	header := http.Header{"Content-Type": []string{"application/json"}}
	if err := p.do(ctx, http.MethodPost, base+loginPath, header, body, &response); err != nil {
		return "", fmt.Errorf("failed to log in as '%s': %w", p.Username, err)
	}
	if response.Token == "" {
		return "", fmt.Errorf("login as '%s' returned no token", p.Username)
	}
	return response.Token, nil
}

func (p *HTTPHealthChecker) do(ctx context.Context, method, url string, header http.Header, body []byte, out any) error {
	request, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	request.Header = header

	client := lo.Ternary(p.Client != nil, p.Client, http.DefaultClient)
	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	data, err := io.ReadAll(response.Body)
	if err != nil {
		return err
	}
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s returned %s", method, url, response.Status)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response of %s: %w", url, err)
	}
	return nil
}

// reachableAddress prefers the public address, which is the one routable
// from outside cloud networks.
func reachableAddress(n *node.Node) string {
	return lo.Ternary(n.PublicAddress().IsValid(), n.PublicAddress(), n.PrivateAddress()).String()
}
