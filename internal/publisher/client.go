// Package publisher registers imported data with the GeoServer catalog.
package publisher

// client.go is a thin GeoServer REST client covering the catalog calls the
// importer needs: workspaces, PostGIS datastores, feature types, coverage
// stores, styles and layers.
//
// Every non-2xx response is returned as an *APIError. Lookups translate 404
// into ErrNotFound so callers can branch on existence without parsing status
// codes. The client never retries; a failed call is fatal to the step that
// issued it.

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ErrNotFound is returned when a catalog object does not exist.
var ErrNotFound = errors.New("catalog object not found")

// APIError is a non-2xx GeoServer response.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("geoserver %s %s: status %d: %s", e.Method, e.Path, e.Status, body)
}

// Config holds the connection settings of a Client.
type Config struct {
	URL      string // base URL including /geoserver
	User     string
	Password string
	Timeout  time.Duration
}

// Client talks to the GeoServer REST API.
type Client struct {
	base     string
	user     string
	password string
	http     *http.Client
}

// NewClient creates a Client. A zero timeout defaults to 30 seconds.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base:     strings.TrimRight(cfg.URL, "/") + "/rest",
		user:     cfg.User,
		password: cfg.Password,
		http:     &http.Client{Timeout: timeout},
	}
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.user, c.password)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geoserver %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read geoserver response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Method: method, Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return data, nil
}

func (c *Client) sendJSON(ctx context.Context, method, path string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, method, path, "application/json", body)
	return err
}

func (c *Client) exists(ctx context.Context, path string) (bool, error) {
	_, err := c.do(ctx, http.MethodGet, path, "", nil)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func esc(s string) string { return url.PathEscape(s) }

// EnsureWorkspace creates ws if it does not exist.
func (c *Client) EnsureWorkspace(ctx context.Context, ws string) error {
	ok, err := c.exists(ctx, "/workspaces/"+esc(ws)+".json")
	if err != nil || ok {
		return err
	}
	return c.sendJSON(ctx, http.MethodPost, "/workspaces", map[string]any{
		"workspace": map[string]any{"name": ws},
	})
}

// EnsureDatastore creates a datastore with the given connection parameters
// if it does not exist.
func (c *Client) EnsureDatastore(ctx context.Context, ws, store string, params map[string]string) error {
	ok, err := c.exists(ctx, fmt.Sprintf("/workspaces/%s/datastores/%s.json", esc(ws), esc(store)))
	if err != nil || ok {
		return err
	}
	entries := make([]map[string]string, 0, len(params))
	for k, v := range params {
		entries = append(entries, map[string]string{"@key": k, "$": v})
	}
	return c.sendJSON(ctx, http.MethodPost, fmt.Sprintf("/workspaces/%s/datastores", esc(ws)), map[string]any{
		"dataStore": map[string]any{
			"name":                 store,
			"enabled":              true,
			"connectionParameters": map[string]any{"entry": entries},
		},
	})
}

// BBox is a native bounding box in catalog form.
type BBox struct {
	MinX float64 `json:"minx"`
	MaxX float64 `json:"maxx"`
	MinY float64 `json:"miny"`
	MaxY float64 `json:"maxy"`
	CRS  string  `json:"crs,omitempty"`
}

// FeatureType describes a table published from a datastore.
type FeatureType struct {
	Name       string
	NativeName string
	Title      string
	SRS        string
	BBox       *BBox
}

// PublishFeatureType publishes a datastore table as a layer.
func (c *Client) PublishFeatureType(ctx context.Context, ws, store string, ft FeatureType) error {
	body := map[string]any{
		"name":       ft.Name,
		"nativeName": ft.NativeName,
		"title":      ft.Title,
		"srs":        ft.SRS,
		"enabled":    true,
	}
	if ft.BBox != nil {
		body["nativeBoundingBox"] = ft.BBox
		body["projectionPolicy"] = "FORCE_DECLARED"
	}
	return c.sendJSON(ctx, http.MethodPost,
		fmt.Sprintf("/workspaces/%s/datastores/%s/featuretypes", esc(ws), esc(store)),
		map[string]any{"featureType": body})
}

// Attribute is one column of a published feature type.
type Attribute struct {
	Name     string
	Binding  string
	Length   int
	Nillable bool
}

// FeatureTypeAttributes lists the attributes of a published feature type.
func (c *Client) FeatureTypeAttributes(ctx context.Context, ws, name string) ([]Attribute, error) {
	data, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/workspaces/%s/featuretypes/%s.json", esc(ws), esc(name)), "", nil)
	if err != nil {
		return nil, err
	}
	// a single attribute is serialised as an object rather than an array
	raw := gjson.GetBytes(data, "featureType.attributes.attribute")
	items := raw.Array()
	if raw.IsObject() {
		items = []gjson.Result{raw}
	}
	attrs := make([]Attribute, 0, len(items))
	for _, a := range items {
		attrs = append(attrs, Attribute{
			Name:     a.Get("name").String(),
			Binding:  a.Get("binding").String(),
			Length:   int(a.Get("length").Int()),
			Nillable: a.Get("nillable").Bool(),
		})
	}
	return attrs, nil
}

// LayerExists reports whether ws:name is a published layer.
func (c *Client) LayerExists(ctx context.Context, ws, name string) (bool, error) {
	return c.exists(ctx, fmt.Sprintf("/layers/%s:%s.json", esc(ws), esc(name)))
}

// DeleteLayer removes the layer ws:name and its resource. Missing layers
// are not an error.
func (c *Client) DeleteLayer(ctx context.Context, ws, name string) error {
	_, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/layers/%s:%s?recurse=true", esc(ws), esc(name)), "", nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// DeleteFeatureType removes a feature type left behind without a layer.
func (c *Client) DeleteFeatureType(ctx context.Context, ws, store, name string) error {
	_, err := c.do(ctx, http.MethodDelete,
		fmt.Sprintf("/workspaces/%s/datastores/%s/featuretypes/%s?recurse=true", esc(ws), esc(store), esc(name)), "", nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// CreateCoverageStore registers a GeoTIFF file as a coverage store.
func (c *Client) CreateCoverageStore(ctx context.Context, ws, store, fileURL string) error {
	return c.sendJSON(ctx, http.MethodPost, fmt.Sprintf("/workspaces/%s/coveragestores", esc(ws)), map[string]any{
		"coverageStore": map[string]any{
			"name":      store,
			"type":      "GeoTIFF",
			"enabled":   true,
			"workspace": ws,
			"url":       fileURL,
		},
	})
}

// PublishCoverage publishes the coverage of a store as a layer.
func (c *Client) PublishCoverage(ctx context.Context, ws, store, name, title, srs string) error {
	return c.sendJSON(ctx, http.MethodPost,
		fmt.Sprintf("/workspaces/%s/coveragestores/%s/coverages", esc(ws), esc(store)),
		map[string]any{"coverage": map[string]any{
			"name":       name,
			"nativeName": name,
			"title":      title,
			"srs":        srs,
			"enabled":    true,
		}})
}

// DeleteCoverageStore removes a coverage store and everything it publishes.
func (c *Client) DeleteCoverageStore(ctx context.Context, ws, store string) error {
	_, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/workspaces/%s/coveragestores/%s?recurse=true", esc(ws), esc(store)), "", nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// PutStyle creates or replaces the SLD style ws:name.
func (c *Client) PutStyle(ctx context.Context, ws, name string, sld []byte) error {
	path := fmt.Sprintf("/workspaces/%s/styles/%s", esc(ws), esc(name))
	ok, err := c.exists(ctx, path+".json")
	if err != nil {
		return err
	}
	if ok {
		_, err = c.do(ctx, http.MethodPut, path, "application/vnd.ogc.sld+xml", sld)
		return err
	}
	_, err = c.do(ctx, http.MethodPost,
		fmt.Sprintf("/workspaces/%s/styles?name=%s", esc(ws), url.QueryEscape(name)),
		"application/vnd.ogc.sld+xml", sld)
	return err
}

// SetDefaultStyle makes ws:style the default style of layer ws:name.
func (c *Client) SetDefaultStyle(ctx context.Context, ws, name, style string) error {
	return c.sendJSON(ctx, http.MethodPut, fmt.Sprintf("/layers/%s:%s", esc(ws), esc(name)), map[string]any{
		"layer": map[string]any{"defaultStyle": map[string]any{"name": ws + ":" + style}},
	})
}
