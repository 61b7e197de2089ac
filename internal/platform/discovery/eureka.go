// Package discovery announces the relay to a service registry such as Eureka.
package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// EurekaConfig describes this instance and the registry it reports to.
type EurekaConfig struct {
	Host        string
	Port        int
	ServicePath string
	App         string
	ServerIP    string
	ServicePort int
	Protocol    string
}

type eurekaPort struct {
	Value   int    `json:"$"`
	Enabled string `json:"@enabled"`
}

type dataCenterInfo struct {
	Class string `json:"@class"`
	Name  string `json:"name"`
}

type eurekaInstance struct {
	InstanceID     string         `json:"instanceId"`
	App            string         `json:"app"`
	HostName       string         `json:"hostName"`
	IPAddr         string         `json:"ipAddr"`
	Status         string         `json:"status"`
	Port           eurekaPort     `json:"port"`
	VIPAddress     string         `json:"vipAddress"`
	HomePageURL    string         `json:"homePageUrl"`
	StatusPageURL  string         `json:"statusPageUrl"`
	HealthCheckURL string         `json:"healthCheckUrl"`
	DataCenterInfo dataCenterInfo `json:"dataCenterInfo"`
}

// EurekaClient speaks the Eureka REST protocol for a single instance.
type EurekaClient struct {
	appURL     string
	instanceID string
	instance   eurekaInstance
	client     *http.Client
	logger     zerolog.Logger
}

// NewEurekaClient builds a client from cfg.
func NewEurekaClient(cfg EurekaConfig, client *http.Client, logger zerolog.Logger) (*EurekaClient, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("eureka host cannot be empty")
	}
	if cfg.App == "" {
		return nil, fmt.Errorf("eureka app name cannot be empty")
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "http"
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	app := strings.ToUpper(cfg.App)
	servicePath := "/" + strings.Trim(cfg.ServicePath, "/") + "/"
	registry := url.URL{
		Scheme: "http",
		Host:   cfg.Host,
		Path:   servicePath + app,
	}
	if cfg.Port > 0 {
		registry.Host = cfg.Host + ":" + strconv.Itoa(cfg.Port)
	}

	instanceID := fmt.Sprintf("%s:%d", app, cfg.ServicePort)
	base := fmt.Sprintf("%s://%s:%d", cfg.Protocol, cfg.ServerIP, cfg.ServicePort)

	return &EurekaClient{
		appURL:     registry.String(),
		instanceID: instanceID,
		instance: eurekaInstance{
			InstanceID:     instanceID,
			App:            app,
			HostName:       cfg.ServerIP,
			IPAddr:         cfg.ServerIP,
			Status:         "UP",
			Port:           eurekaPort{Value: cfg.ServicePort, Enabled: "true"},
			VIPAddress:     app,
			HomePageURL:    base + "/",
			StatusPageURL:  base + "/info",
			HealthCheckURL: base + "/health",
			DataCenterInfo: dataCenterInfo{
				Class: "com.netflix.appinfo.InstanceInfo$DefaultDataCenterInfo",
				Name:  "MyOwn",
			},
		},
		client: client,
		logger: logger.With().Str("component", "EurekaClient").Str("instance", instanceID).Logger(),
	}, nil
}

// Register announces the instance.
func (c *EurekaClient) Register(ctx context.Context) error {
	body, err := json.Marshal(map[string]eurekaInstance{"instance": c.instance})
	if err != nil {
		return fmt.Errorf("failed to marshal eureka instance: %w", err)
	}
	status, err := c.do(ctx, http.MethodPost, c.appURL, body)
	if err != nil {
		return fmt.Errorf("eureka registration failed: %w", err)
	}
	if status != http.StatusNoContent && status != http.StatusOK {
		return fmt.Errorf("eureka registration failed: status %d", status)
	}
	c.logger.Info().Msg("Eureka registration successful.")
	return nil
}

// Heartbeat renews the lease. An unknown instance is registered again.
func (c *EurekaClient) Heartbeat(ctx context.Context) error {
	status, err := c.do(ctx, http.MethodPut, c.instanceURL(), nil)
	if err != nil {
		return fmt.Errorf("eureka heartbeat failed: %w", err)
	}
	switch status {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		c.logger.Warn().Msg("Eureka does not know this instance, registering again.")
		return c.Register(ctx)
	default:
		return fmt.Errorf("eureka heartbeat failed: status %d", status)
	}
}

// Deregister removes the instance from the registry.
func (c *EurekaClient) Deregister(ctx context.Context) error {
	status, err := c.do(ctx, http.MethodDelete, c.instanceURL(), nil)
	if err != nil {
		return fmt.Errorf("eureka deregistration failed: %w", err)
	}
	if status != http.StatusOK && status != http.StatusNoContent && status != http.StatusNotFound {
		return fmt.Errorf("eureka deregistration failed: status %d", status)
	}
	c.logger.Info().Msg("Eureka deregistration complete.")
	return nil
}

func (c *EurekaClient) instanceURL() string {
	return c.appURL + "/" + url.PathEscape(c.instanceID)
}

func (c *EurekaClient) do(ctx context.Context, method, target string, body []byte) (int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
