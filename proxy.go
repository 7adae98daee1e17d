package grocerycrawler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ProxyHandle is one outbound network identity.
type ProxyHandle struct {
	Scheme   string
	Host     string
	Port     int
	Username string
	Password string
}

// ParseProxy accepts "host:port", "user:pass@host:port" and full proxy URLs.
func ParseProxy(raw string) (*ProxyHandle, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty proxy string")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse proxy %q: %w", raw, err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return nil, fmt.Errorf("proxy %q needs host:port: %w", u.Host, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("proxy %q has invalid port", u.Host)
	}
	p := &ProxyHandle{Scheme: u.Scheme, Host: host, Port: port}
	if u.User != nil {
		p.Username = u.User.Username()
		p.Password, _ = u.User.Password()
	}
	return p, nil
}

// Address is the proxy server without credentials, as browsers expect it.
func (p *ProxyHandle) Address() string {
	return fmt.Sprintf("%s://%s", p.Scheme, net.JoinHostPort(p.Host, strconv.Itoa(p.Port)))
}

// URL includes credentials and is meant for http.Transport.
func (p *ProxyHandle) URL() *url.URL {
	u := &url.URL{Scheme: p.Scheme, Host: net.JoinHostPort(p.Host, strconv.Itoa(p.Port))}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

func (p *ProxyHandle) String() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// ProxyPool hands out egress identities. A nil pool means direct egress.
type ProxyPool interface {
	Acquire(ctx context.Context) (*ProxyHandle, error)
}

const (
	ProxyModeDisabled = "disabled"
	ProxyModeList     = "list"
	ProxyModeRotation = "rotation"
)

type ProxyConfig struct {
	Mode        string
	Servers     []string
	RotationURL string
	RotationTTL time.Duration
}

// NewProxyPool returns nil, nil when proxies are disabled.
func NewProxyPool(cfg ProxyConfig, client *http.Client, logger Logger) (ProxyPool, error) {
	if logger == nil {
		logger = discardLogger()
	}
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	switch mode {
	case "", ProxyModeDisabled:
		return nil, nil
	case ProxyModeList:
		pool, err := newListProxyPool(cfg.Servers)
		if err != nil {
			return nil, err
		}
		logger.Info("proxy enabled: list of %d", len(pool.proxies))
		return pool, nil
	case ProxyModeRotation:
		if strings.TrimSpace(cfg.RotationURL) == "" {
			return nil, fmt.Errorf("proxy mode rotation needs PROXY_ROTATION_URL")
		}
		ttl := cfg.RotationTTL
		if ttl <= 0 {
			ttl = 10 * time.Second
		}
		if client == nil {
			client = &http.Client{Timeout: 10 * time.Second, Transport: &http.Transport{Proxy: nil}}
		}
		logger.Info("proxy enabled: rotation via %s (ttl %s)", cfg.RotationURL, ttl)
		return &rotationProxyPool{url: cfg.RotationURL, ttl: ttl, client: client, now: time.Now}, nil
	default:
		return nil, fmt.Errorf("unknown proxy mode %q (expected disabled|list|rotation)", cfg.Mode)
	}
}

type listProxyPool struct {
	mu      sync.Mutex
	proxies []*ProxyHandle
	current int
}

func newListProxyPool(servers []string) (*listProxyPool, error) {
	var proxies []*ProxyHandle
	for _, s := range servers {
		if strings.TrimSpace(s) == "" {
			continue
		}
		p, err := ParseProxy(s)
		if err != nil {
			return nil, err
		}
		proxies = append(proxies, p)
	}
	if len(proxies) == 0 {
		return nil, fmt.Errorf("proxy list is empty")
	}
	return &listProxyPool{proxies: proxies}, nil
}

func (p *listProxyPool) Acquire(ctx context.Context) (*ProxyHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	proxy := p.proxies[p.current]
	p.current = (p.current + 1) % len(p.proxies)
	return proxy, nil
}

// rotationProxyPool asks an HTTP endpoint for the current proxy and caches it for ttl.
type rotationProxyPool struct {
	url    string
	ttl    time.Duration
	client *http.Client
	now    func() time.Time

	mu      sync.Mutex
	cached  *ProxyHandle
	expires time.Time
}

func (p *rotationProxyPool) Acquire(ctx context.Context) (*ProxyHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached != nil && p.now().Before(p.expires) {
		return p.cached, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rotation endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("rotation endpoint status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	raw := parseRotationBody(body)
	if raw == "" {
		return nil, fmt.Errorf("rotation endpoint returned no proxy")
	}
	proxy, err := ParseProxy(raw)
	if err != nil {
		return nil, err
	}
	p.cached = proxy
	p.expires = p.now().Add(p.ttl)
	return proxy, nil
}

// parseRotationBody accepts plain text, {"proxy": "..."} style objects and string arrays.
func parseRotationBody(b []byte) string {
	s := strings.TrimSpace(string(b))
	switch {
	case s == "":
		return ""
	case strings.HasPrefix(s, "{"):
		var m map[string]interface{}
		if json.Unmarshal([]byte(s), &m) == nil {
			for _, k := range []string{"proxy", "url", "data"} {
				if v, ok := m[k].(string); ok {
					return strings.TrimSpace(v)
				}
			}
		}
		return ""
	case strings.HasPrefix(s, "["):
		var arr []interface{}
		if json.Unmarshal([]byte(s), &arr) == nil && len(arr) > 0 {
			if v, ok := arr[0].(string); ok {
				return strings.TrimSpace(v)
			}
		}
		return ""
	default:
		return s
	}
}
