package upstream

import (
	"context"
	"net/url"
	"strings"
)

type Summary struct {
	Title     string `json:"title"`
	Extract   string `json:"extract"`
	URL       string `json:"url,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

type summaryResponse struct {
	Title       string `json:"title"`
	Extract     string `json:"extract"`
	ContentURLs struct {
		Desktop struct {
			Page string `json:"page"`
		} `json:"desktop"`
	} `json:"content_urls"`
	Thumbnail struct {
		Source string `json:"source"`
	} `json:"thumbnail"`
}

type searchResponse struct {
	Query struct {
		Search []struct {
			Title string `json:"title"`
		} `json:"search"`
	} `json:"query"`
}

type Wikipedia struct {
	baseURL string
	client  *client
}

// NewWikipedia expects BaseURL with the language already substituted,
// e.g. https://en.wikipedia.org.
func NewWikipedia(opts Options) *Wikipedia {
	return &Wikipedia{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		client:  newClient("wikipedia", opts),
	}
}

// Summary tries the page summary for title directly, then falls back to a
// search and the summary of the top hit. Non-2xx answers yield nil; transport
// failures are returned.
func (w *Wikipedia) Summary(ctx context.Context, title string) (*Summary, error) {
	summary, ok, err := w.summary(ctx, title)
	if err != nil || ok {
		return summary, err
	}

	params := url.Values{}
	params.Set("action", "query")
	params.Set("list", "search")
	params.Set("srsearch", title)
	params.Set("format", "json")
	params.Set("srlimit", "1")
	var search searchResponse
	status, err := w.client.getJSON(ctx, w.baseURL+"/w/api.php?"+params.Encode(), &search)
	if err != nil {
		return nil, err
	}
	if !isSuccess(status) || len(search.Query.Search) == 0 || search.Query.Search[0].Title == "" {
		return nil, nil
	}

	summary, _, err = w.summary(ctx, search.Query.Search[0].Title)
	return summary, err
}

func (w *Wikipedia) summary(ctx context.Context, title string) (*Summary, bool, error) {
	var page summaryResponse
	status, err := w.client.getJSON(ctx, w.baseURL+"/api/rest_v1/page/summary/"+url.PathEscape(title), &page)
	if err != nil {
		return nil, false, err
	}
	if !isSuccess(status) {
		return nil, false, nil
	}
	return &Summary{
		Title:     page.Title,
		Extract:   page.Extract,
		URL:       page.ContentURLs.Desktop.Page,
		Thumbnail: page.Thumbnail.Source,
	}, true, nil
}
