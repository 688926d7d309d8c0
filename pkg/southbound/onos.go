// Package southbound adapts external network systems to the domain
// interfaces: the ONOS REST API serves as topology provider, flow installer
// and port statistics source, and TCPProbe measures endpoint latency.
package southbound

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/netopt/pkg/domain"
)

// ONOSConfig configures the ONOS REST client.
type ONOSConfig struct {
	BaseURL  string        `yaml:"base_url"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	AppID    string        `yaml:"app_id"`
	Timeout  time.Duration `yaml:"timeout"`
}

// ONOSClient talks to the ONOS northbound REST API.
type ONOSClient struct {
	base       *url.URL
	username   string
	password   string
	appID      string
	httpClient *http.Client
}

// NewONOSClient validates cfg and builds a traced HTTP client.
func NewONOSClient(cfg ONOSConfig) (*ONOSClient, error) {
	if cfg.BaseURL == "" {
		return nil, &domain.ConfigError{Field: "southbound.onos.base_url", Reason: "required"}
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, &domain.ConfigError{Field: "southbound.onos.base_url", Reason: err.Error()}
	}
	if cfg.AppID == "" {
		cfg.AppID = "org.polisai.netopt"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &ONOSClient{
		base:     base,
		username: cfg.Username,
		password: cfg.Password,
		appID:    cfg.AppID,
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

type onosDevice struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Available   bool              `json:"available"`
	Annotations map[string]string `json:"annotations"`
}

type onosEndpoint struct {
	Port   string `json:"port"`
	Device string `json:"device"`
}

type onosLink struct {
	Src   onosEndpoint `json:"src"`
	Dst   onosEndpoint `json:"dst"`
	State string       `json:"state"`
}

type onosLocation struct {
	ElementID string `json:"elementId"`
	Port      string `json:"port"`
}

type onosHost struct {
	ID          string         `json:"id"`
	MAC         string         `json:"mac"`
	IPAddresses []string       `json:"ipAddresses"`
	Locations   []onosLocation `json:"locations"`
}

// GetTopology implements domain.TopologyProvider. Hosts become host nodes
// linked to their attachment switch.
func (c *ONOSClient) GetTopology(ctx context.Context) (domain.Topology, error) {
	var devices struct {
		Devices []onosDevice `json:"devices"`
	}
	if err := c.getJSON(ctx, "devices", nil, &devices); err != nil {
		return domain.Topology{}, err
	}
	var links struct {
		Links []onosLink `json:"links"`
	}
	if err := c.getJSON(ctx, "links", nil, &links); err != nil {
		return domain.Topology{}, err
	}
	var hosts struct {
		Hosts []onosHost `json:"hosts"`
	}
	if err := c.getJSON(ctx, "hosts", nil, &hosts); err != nil {
		return domain.Topology{}, err
	}

	var topo domain.Topology
	for _, d := range devices.Devices {
		if !d.Available {
			continue
		}
		attrs := map[string]string{"type": strings.ToLower(d.Type)}
		for k, v := range d.Annotations {
			attrs[k] = v
		}
		topo.Nodes = append(topo.Nodes, domain.NetworkNode{ID: d.ID, Kind: domain.NodeSwitch, Attributes: attrs})
	}
	for _, l := range links.Links {
		if l.State != "" && !strings.EqualFold(l.State, "ACTIVE") {
			continue
		}
		topo.Links = append(topo.Links, domain.NetworkLink{
			SrcNode: l.Src.Device,
			DstNode: l.Dst.Device,
			SrcPort: l.Src.Port,
			DstPort: l.Dst.Port,
		})
	}
	for _, h := range hosts.Hosts {
		if len(h.Locations) == 0 {
			continue
		}
		loc := h.Locations[0]
		attrs := map[string]string{"mac": h.MAC, "switch": loc.ElementID, "port": loc.Port}
		if len(h.IPAddresses) > 0 {
			attrs["ip"] = h.IPAddresses[0]
		}
		topo.Nodes = append(topo.Nodes, domain.NetworkNode{ID: h.ID, Kind: domain.NodeHost, Attributes: attrs})
		topo.Links = append(topo.Links, domain.NetworkLink{SrcNode: h.ID, DstNode: loc.ElementID, DstPort: loc.Port})
	}
	return topo, nil
}

type onosInstruction struct {
	Type    string `json:"type"`
	Port    string `json:"port,omitempty"`
	QueueID *int   `json:"queueId,omitempty"`
}

type onosCriterion struct {
	Type     string `json:"type"`
	EthType  string `json:"ethType,omitempty"`
	IP       string `json:"ip,omitempty"`
	Protocol *int   `json:"protocol,omitempty"`
	TCPPort  *int   `json:"tcpPort,omitempty"`
	UDPPort  *int   `json:"udpPort,omitempty"`
}

type onosFlowRule struct {
	Priority    int    `json:"priority"`
	Timeout     int    `json:"timeout"`
	IsPermanent bool   `json:"isPermanent"`
	DeviceID    string `json:"deviceId"`
	Treatment   struct {
		Instructions []onosInstruction `json:"instructions"`
	} `json:"treatment"`
	Selector struct {
		Criteria []onosCriterion `json:"criteria"`
	} `json:"selector"`
}

// Install implements domain.FlowInstaller. The rule id is taken from the
// Location header ONOS returns.
func (c *ONOSClient) Install(ctx context.Context, deviceID string, match domain.FlowMatch, actions []domain.FlowRuleAction, priority int, ttl time.Duration) (string, error) {
	rule := onosFlowRule{
		Priority:    priority,
		Timeout:     int(ttl / time.Second),
		IsPermanent: ttl <= 0,
		DeviceID:    deviceID,
	}
	rule.Selector.Criteria = criteria(match)
	for _, a := range actions {
		switch a.Type {
		case "OUTPUT":
			rule.Treatment.Instructions = append(rule.Treatment.Instructions, onosInstruction{Type: "OUTPUT", Port: a.Port})
		case "QUEUE":
			q := a.Queue
			rule.Treatment.Instructions = append(rule.Treatment.Instructions, onosInstruction{Type: "QUEUE", QueueID: &q})
		case "DROP":
			rule.Treatment.Instructions = append(rule.Treatment.Instructions, onosInstruction{Type: "NOACTION"})
		default:
			return "", fmt.Errorf("%w: unsupported rule action %q", domain.ErrInstaller, a.Type)
		}
	}

	body, err := json.Marshal(rule)
	if err != nil {
		return "", fmt.Errorf("encode flow rule: %w", err)
	}

	endpoint := c.endpoint("flows/"+url.PathEscape(deviceID), url.Values{"appId": {c.appID}})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	location := resp.Header.Get("Location")
	if location == "" {
		return "", fmt.Errorf("%w: flow created without Location header", domain.ErrInstaller)
	}
	return path.Base(location), nil
}

func criteria(match domain.FlowMatch) []onosCriterion {
	out := []onosCriterion{{Type: "ETH_TYPE", EthType: "0x800"}}
	if match.SrcIP != "" {
		out = append(out, onosCriterion{Type: "IPV4_SRC", IP: hostPrefix(match.SrcIP)})
	}
	if match.DstIP != "" {
		out = append(out, onosCriterion{Type: "IPV4_DST", IP: hostPrefix(match.DstIP)})
	}
	switch strings.ToLower(match.Protocol) {
	case "tcp":
		proto := 6
		out = append(out, onosCriterion{Type: "IP_PROTO", Protocol: &proto})
		if match.DstPort > 0 {
			port := match.DstPort
			out = append(out, onosCriterion{Type: "TCP_DST", TCPPort: &port})
		}
	case "udp":
		proto := 17
		out = append(out, onosCriterion{Type: "IP_PROTO", Protocol: &proto})
		if match.DstPort > 0 {
			port := match.DstPort
			out = append(out, onosCriterion{Type: "UDP_DST", UDPPort: &port})
		}
	}
	return out
}

func hostPrefix(ip string) string {
	if strings.Contains(ip, "/") {
		return ip
	}
	return ip + "/32"
}

// Remove implements domain.FlowInstaller. A rule that is already gone is not
// an error.
func (c *ONOSClient) Remove(ctx context.Context, deviceID, ruleID string) error {
	endpoint := c.endpoint("flows/"+url.PathEscape(deviceID)+"/"+url.PathEscape(ruleID), nil)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil
		}
		return err
	}
	resp.Body.Close()
	return nil
}

// PortThroughput returns the transmit rate in bits per second of a device
// port over the last statistics interval.
func (c *ONOSClient) PortThroughput(ctx context.Context, deviceID, port string) (float64, error) {
	var stats struct {
		Statistics []struct {
			Device string `json:"device"`
			Ports  []struct {
				Port        json.Number `json:"port"`
				BytesSent   int64       `json:"bytesSent"`
				DurationSec int64       `json:"durationSec"`
			} `json:"ports"`
		} `json:"statistics"`
	}
	if err := c.getJSON(ctx, "statistics/delta/ports/"+url.PathEscape(deviceID)+"/"+url.PathEscape(port), nil, &stats); err != nil {
		return 0, err
	}
	for _, s := range stats.Statistics {
		for _, p := range s.Ports {
			if p.Port.String() != port {
				continue
			}
			if p.DurationSec <= 0 {
				return 0, nil
			}
			return float64(p.BytesSent*8) / float64(p.DurationSec), nil
		}
	}
	return 0, fmt.Errorf("port %s/%s: %w", deviceID, port, domain.ErrNotFound)
}

// StatusError is returned for non-2xx ONOS responses.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("onos %s %s: status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

func isStatus(err error, code int) bool {
	se, ok := err.(*StatusError)
	return ok && se.Code == code
}

func (c *ONOSClient) endpoint(rel string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/onos/v1/" + rel
	u.RawPath = ""
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *ONOSClient) getJSON(ctx context.Context, rel string, query url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(rel, query), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode onos %s: %w", rel, err)
	}
	return nil
}

func (c *ONOSClient) do(req *http.Request) (*http.Response, error) {
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("onos %s %s: %w", req.Method, req.URL.Path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{
			Method: req.Method,
			URL:    req.URL.Path,
			Code:   resp.StatusCode,
			Body:   strings.TrimSpace(string(body)),
		}
	}
	return resp, nil
}

// String identifies the client in logs.
func (c *ONOSClient) String() string {
	return "onos(" + c.base.Host + ")"
}
