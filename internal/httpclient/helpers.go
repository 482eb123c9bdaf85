package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/xmlquery"
)

// RequestHTML fetches req and parses the body as HTML5. Relative links
// resolve against the final URL.
func (c *Client) RequestHTML(ctx context.Context, req Request) (*goquery.Document, error) {
	resp, err := c.Request(ctx, req)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("parse html from %s: %w", resp.URL, err)
	}
	if u, err := url.Parse(resp.URL); err == nil {
		doc.Url = u
	}
	return doc, nil
}

// RequestXML fetches req and parses the body as XML.
func (c *Client) RequestXML(ctx context.Context, req Request) (*xmlquery.Node, error) {
	resp, err := c.Request(ctx, req)
	if err != nil {
		return nil, err
	}
	doc, err := xmlquery.Parse(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("parse xml from %s: %w", resp.URL, err)
	}
	return doc, nil
}

// RequestJSON fetches req and decodes the body into out.
func (c *Client) RequestJSON(ctx context.Context, req Request, out any) error {
	if req.Header == nil || req.Header.Get("Accept") == "" {
		req.Header = cloneHeader(req.Header)
		req.Header.Set("Accept", "application/json")
	}
	resp, err := c.Request(ctx, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decode json from %s: %w", resp.URL, err)
	}
	return nil
}

// AbsURL resolves href against the document's URL.
func AbsURL(doc *goquery.Document, href string) (string, error) {
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("parse href %q: %w", href, err)
	}
	if doc == nil || doc.Url == nil {
		return ref.String(), nil
	}
	return doc.Url.ResolveReference(ref).String(), nil
}
