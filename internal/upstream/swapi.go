package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

type Resource string

const (
	People  Resource = "people"
	Planets Resource = "planets"
)

func ParseResource(raw string) (Resource, bool) {
	switch Resource(raw) {
	case People, Planets:
		return Resource(raw), true
	default:
		return "", false
	}
}

// Record is one catalog entry. The upstream JSON is kept verbatim so every
// field reaches the client; Name is decoded for the encyclopedia lookup.
type Record struct {
	Name string
	Raw  json.RawMessage
}

func (r Record) MarshalJSON() ([]byte, error) {
	if len(r.Raw) == 0 {
		return json.Marshal(map[string]string{"name": r.Name})
	}
	return r.Raw, nil
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var fields struct {
		Name  string `json:"name"`
		Title string `json:"title"`
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	r.Name = fields.Name
	if r.Name == "" {
		r.Name = fields.Title
	}
	r.Raw = append(r.Raw[:0], bytes.TrimSpace(data)...)
	return nil
}

type listResponse struct {
	Count   int      `json:"count"`
	Results []Record `json:"results"`
}

type SWAPI struct {
	baseURL string
	client  *client
}

func NewSWAPI(opts Options) *SWAPI {
	return &SWAPI{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		client:  newClient("swapi", opts),
	}
}

// Search returns the first match for q, or nil when there is none. Any
// non-2xx status is an error.
func (s *SWAPI) Search(ctx context.Context, resource Resource, q string) (*Record, error) {
	if _, ok := ParseResource(string(resource)); !ok {
		return nil, fmt.Errorf("unknown resource %q", resource)
	}
	endpoint := fmt.Sprintf("%s/%s/?search=%s", s.baseURL, resource, url.QueryEscape(q))

	var list listResponse
	status, err := s.client.getJSON(ctx, endpoint, &list)
	if err != nil {
		return nil, err
	}
	if !isSuccess(status) {
		return nil, &StatusError{Upstream: "SWAPI", Status: status, URL: endpoint}
	}
	if len(list.Results) == 0 {
		return nil, nil
	}
	first := list.Results[0]
	return &first, nil
}

func (s *SWAPI) People(ctx context.Context, q string) (*Record, error) {
	return s.Search(ctx, People, q)
}

func (s *SWAPI) Planets(ctx context.Context, q string) (*Record, error) {
	return s.Search(ctx, Planets, q)
}
