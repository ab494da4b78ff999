package api

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"resty.dev/v3"

	"github.com/vk/ipamctl/internal/ctxlog"
)

// Options configures the REST client.
type Options struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
	Insecure bool
}

// RESTClient implements Client against the address-manager v2 REST API.
type RESTClient struct {
	http *resty.Client
	opts Options

	mu    sync.Mutex
	token string
}

// NewRESTClient builds a client. No request is made until the first call.
func NewRESTClient(opts Options) *RESTClient {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	c := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "application/json")
	if opts.Insecure {
		c.SetDisableWarn(true)
	}
	return &RESTClient{http: c, opts: opts}
}

// Close releases the underlying transport.
func (c *RESTClient) Close() error {
	return c.http.Close()
}

type listResponse struct {
	Data []Entity `json:"data"`
}

type createResponse struct {
	ID int64 `json:"id"`
}

type sessionResponse struct {
	Token string `json:"basicAuthenticationCredentials"`
}

// ensureSession logs in once and reuses the token until a 401 invalidates it.
func (c *RESTClient) ensureSession(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" {
		return nil
	}

	var sess sessionResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"username": c.opts.Username, "password": c.opts.Password}).
		SetResult(&sess).
		Post("/api/v2/sessions")
	if err != nil {
		return fmt.Errorf("session request: %w", err)
	}
	if resp.IsError() {
		return &AuthError{Message: fmt.Sprintf("login failed with status %d", resp.StatusCode())}
	}
	if sess.Token == "" {
		return &AuthError{Message: "login response carried no credentials"}
	}
	c.token = sess.Token
	ctxlog.FromContext(ctx).Debug("Opened API session.", "baseURL", c.opts.BaseURL)
	return nil
}

func (c *RESTClient) invalidateSession() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

func (c *RESTClient) authToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// statusErr converts a non-2xx response into the typed error taxonomy.
func statusErr(resp *resty.Response, resourceType, identifier string) error {
	switch resp.StatusCode() {
	case 401, 403:
		return &AuthError{Message: resp.String()}
	case 404:
		return &NotFoundError{ResourceType: resourceType, Identifier: identifier}
	case 409:
		return &ConflictError{ResourceType: resourceType, Message: resp.String()}
	case 429:
		retryAfter := 5 * time.Second
		if h := resp.Header().Get("Retry-After"); h != "" {
			if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return &RateLimitError{RetryAfter: retryAfter}
	}
	return &StatusError{StatusCode: resp.StatusCode(), Message: resp.String()}
}

// get runs an authenticated GET, re-logging-in once on 401.
func (c *RESTClient) get(ctx context.Context, path string, params map[string]string, out any, resourceType, identifier string) error {
	for attempt := 0; attempt < 2; attempt++ {
		if err := c.ensureSession(ctx); err != nil {
			return err
		}
		resp, err := c.http.R().
			SetContext(ctx).
			SetAuthToken(c.authToken()).
			SetQueryParams(params).
			SetResult(out).
			Get(path)
		if err != nil {
			return fmt.Errorf("GET %s: %w", path, err)
		}
		if resp.StatusCode() == 401 && attempt == 0 {
			c.invalidateSession()
			continue
		}
		if resp.IsError() {
			return statusErr(resp, resourceType, identifier)
		}
		return nil
	}
	return &AuthError{}
}

// listOne runs a filtered collection GET and returns the single match.
func (c *RESTClient) listOne(ctx context.Context, path, filter, resourceType, identifier string) (*Entity, error) {
	var list listResponse
	params := map[string]string{"filter": filter, "limit": "1"}
	if err := c.get(ctx, path, params, &list, resourceType, identifier); err != nil {
		return nil, err
	}
	if len(list.Data) == 0 {
		return nil, &NotFoundError{ResourceType: resourceType, Identifier: identifier}
	}
	return &list.Data[0], nil
}

func (c *RESTClient) listAll(ctx context.Context, path, resourceType, identifier string) ([]Entity, error) {
	var list listResponse
	params := map[string]string{"limit": "1000"}
	if err := c.get(ctx, path, params, &list, resourceType, identifier); err != nil {
		return nil, err
	}
	return list.Data, nil
}

func (c *RESTClient) GetConfigurationByName(ctx context.Context, name string) (*Entity, error) {
	return c.listOne(ctx, "/api/v2/configurations", fmt.Sprintf("name:'%s'", name), "Configuration", name)
}

func (c *RESTClient) GetViewsInConfiguration(ctx context.Context, configID int64) ([]Entity, error) {
	path := fmt.Sprintf("/api/v2/configurations/%d/views", configID)
	return c.listAll(ctx, path, "View", strconv.FormatInt(configID, 10))
}

func (c *RESTClient) GetViewByNameInConfig(ctx context.Context, configID int64, name string) (*Entity, error) {
	path := fmt.Sprintf("/api/v2/configurations/%d/views", configID)
	return c.listOne(ctx, path, fmt.Sprintf("name:'%s'", name), "View", name)
}

func (c *RESTClient) GetZonesInView(ctx context.Context, viewID int64) ([]Entity, error) {
	path := fmt.Sprintf("/api/v2/views/%d/zones", viewID)
	return c.listAll(ctx, path, "Zone", strconv.FormatInt(viewID, 10))
}

func (c *RESTClient) GetZoneByFQDN(ctx context.Context, viewID int64, fqdn string) (*Entity, error) {
	path := fmt.Sprintf("/api/v2/views/%d/zones", viewID)
	return c.listOne(ctx, path, fmt.Sprintf("absoluteName:'%s'", fqdn), "Zone", fqdn)
}

func (c *RESTClient) GetChildZones(ctx context.Context, zoneID int64) ([]Entity, error) {
	path := fmt.Sprintf("/api/v2/zones/%d/zones", zoneID)
	return c.listAll(ctx, path, "Zone", strconv.FormatInt(zoneID, 10))
}

func (c *RESTClient) GetBlockByCIDRInConfig(ctx context.Context, configID int64, cidr string) (*Entity, error) {
	path := fmt.Sprintf("/api/v2/configurations/%d/blocks", configID)
	return c.listOne(ctx, path, fmt.Sprintf("range:'%s'", cidr), "IPv4Block", cidr)
}

func (c *RESTClient) GetIP6BlockByCIDRInConfig(ctx context.Context, configID int64, cidr string) (*Entity, error) {
	path := fmt.Sprintf("/api/v2/configurations/%d/blocks", configID)
	return c.listOne(ctx, path, fmt.Sprintf("range:'%s' and type:'IPv6Block'", cidr), "IPv6Block", cidr)
}

func (c *RESTClient) GetNetworkByCIDRInBlock(ctx context.Context, blockID int64, cidr string) (*Entity, error) {
	path := fmt.Sprintf("/api/v2/blocks/%d/networks", blockID)
	return c.listOne(ctx, path, fmt.Sprintf("range:'%s'", cidr), "IPv4Network", cidr)
}

func (c *RESTClient) GetIP6NetworkByCIDRInBlock(ctx context.Context, blockID int64, cidr string) (*Entity, error) {
	path := fmt.Sprintf("/api/v2/blocks/%d/networks", blockID)
	return c.listOne(ctx, path, fmt.Sprintf("range:'%s' and type:'IPv6Network'", cidr), "IPv6Network", cidr)
}

func (c *RESTClient) GetNetworkByCIDR(ctx context.Context, configID int64, cidr string) (*Entity, error) {
	path := fmt.Sprintf("/api/v2/configurations/%d/networks", configID)
	return c.listOne(ctx, path, fmt.Sprintf("range:'%s'", cidr), "IPv4Network", cidr)
}

func (c *RESTClient) GetLocationByCode(ctx context.Context, code string) (*Entity, error) {
	return c.listOne(ctx, "/api/v2/locations", fmt.Sprintf("code:'%s'", code), "Location", code)
}

func (c *RESTClient) GetIP4Address(ctx context.Context, configID int64, address string) (*Entity, error) {
	path := fmt.Sprintf("/api/v2/configurations/%d/addresses", configID)
	return c.listOne(ctx, path, fmt.Sprintf("address:'%s'", address), "IPv4Address", address)
}

func (c *RESTClient) GetIP6Address(ctx context.Context, configID int64, address string) (*Entity, error) {
	path := fmt.Sprintf("/api/v2/configurations/%d/addresses", configID)
	return c.listOne(ctx, path, fmt.Sprintf("address:'%s' and type:'IPv6Address'", address), "IPv6Address", address)
}

func (c *RESTClient) GetRecordInZone(ctx context.Context, zoneID int64, name string) (*Entity, error) {
	path := fmt.Sprintf("/api/v2/zones/%d/resourceRecords", zoneID)
	ent, err := c.listOne(ctx, path, fmt.Sprintf("absoluteName:'%s'", name), "ResourceRecord", name)
	if err == nil {
		return ent, nil
	}
	if !IsNotFound(err) {
		return nil, err
	}
	return c.listOne(ctx, path, fmt.Sprintf("name:'%s'", name), "ResourceRecord", name)
}

func (c *RESTClient) FindBlockContainingNetwork(ctx context.Context, configID int64, networkCIDR string) (*Entity, error) {
	path := fmt.Sprintf("/api/v2/configurations/%d/blocks", configID)
	return c.listOne(ctx, path, fmt.Sprintf("range:contains('%s')", networkCIDR), "IPv4Block", networkCIDR)
}

func (c *RESTClient) FindNetworkContainingAddress(ctx context.Context, configID int64, address string) (*Entity, error) {
	path := fmt.Sprintf("/api/v2/configurations/%d/networks", configID)
	return c.listOne(ctx, path, fmt.Sprintf("range:contains('%s')", address), "IPv4Network", address)
}

// entityCollection maps a created type to the collection under its parent.
func entityCollection(apiType string) string {
	switch apiType {
	case "Configuration":
		return "configurations"
	case "View":
		return "views"
	case "IPv4Block", "IPv6Block":
		return "blocks"
	case "IPv4Network", "IPv6Network":
		return "networks"
	case "IPv4Address", "IPv6Address":
		return "addresses"
	case "IPv4DHCPRange", "IPv6DHCPRange":
		return "ranges"
	case "Zone":
		return "zones"
	case "HostRecord", "AliasRecord", "MXRecord", "TXTRecord", "SRVRecord",
		"ExternalHostRecord", "GenericRecord":
		return "resourceRecords"
	case "Location":
		return "locations"
	case "Device", "DeviceType", "DeviceSubtype":
		return "devices"
	case "Tag", "TagGroup":
		return "tags"
	}
	return "entities"
}

func (c *RESTClient) CreateEntity(ctx context.Context, parentID int64, apiType string, payload map[string]any) (int64, error) {
	body := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body["type"] = apiType

	path := fmt.Sprintf("/api/v2/entities/%d/%s", parentID, entityCollection(apiType))
	if parentID == 0 {
		path = "/api/v2/" + entityCollection(apiType)
	}

	for attempt := 0; attempt < 2; attempt++ {
		if err := c.ensureSession(ctx); err != nil {
			return 0, err
		}
		var created createResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetAuthToken(c.authToken()).
			SetBody(body).
			SetResult(&created).
			Post(path)
		if err != nil {
			return 0, fmt.Errorf("POST %s: %w", path, err)
		}
		if resp.StatusCode() == 401 && attempt == 0 {
			c.invalidateSession()
			continue
		}
		if resp.IsError() {
			return 0, statusErr(resp, apiType, fmt.Sprintf("%v", payload["name"]))
		}
		if created.ID == 0 {
			return 0, &StatusError{StatusCode: resp.StatusCode(), Message: "create response carried no id"}
		}
		return created.ID, nil
	}
	return 0, &AuthError{}
}

func (c *RESTClient) UpdateEntity(ctx context.Context, id int64, payload map[string]any) error {
	path := fmt.Sprintf("/api/v2/entities/%d", id)
	for attempt := 0; attempt < 2; attempt++ {
		if err := c.ensureSession(ctx); err != nil {
			return err
		}
		resp, err := c.http.R().
			SetContext(ctx).
			SetAuthToken(c.authToken()).
			SetBody(payload).
			Put(path)
		if err != nil {
			return fmt.Errorf("PUT %s: %w", path, err)
		}
		if resp.StatusCode() == 401 && attempt == 0 {
			c.invalidateSession()
			continue
		}
		if resp.IsError() {
			return statusErr(resp, "Entity", strconv.FormatInt(id, 10))
		}
		return nil
	}
	return &AuthError{}
}

func (c *RESTClient) DeleteEntity(ctx context.Context, id int64) error {
	path := fmt.Sprintf("/api/v2/entities/%d", id)
	for attempt := 0; attempt < 2; attempt++ {
		if err := c.ensureSession(ctx); err != nil {
			return err
		}
		resp, err := c.http.R().
			SetContext(ctx).
			SetAuthToken(c.authToken()).
			Delete(path)
		if err != nil {
			return fmt.Errorf("DELETE %s: %w", path, err)
		}
		if resp.StatusCode() == 401 && attempt == 0 {
			c.invalidateSession()
			continue
		}
		if resp.IsError() {
			return statusErr(resp, "Entity", strconv.FormatInt(id, 10))
		}
		return nil
	}
	return &AuthError{}
}
