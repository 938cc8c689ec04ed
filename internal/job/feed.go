package job

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidFeed is returned when a feed cannot be resolved into a URL.
var ErrInvalidFeed = errors.New("invalid feed")

// Auth carries basic credentials forwarded to the fetch collaborator.
type Auth struct {
	User     string `json:"user" mapstructure:"user"`
	Password string `json:"password" mapstructure:"password"`
}

// Feed describes one resource to retrieve. Either URL or Hostname must be set;
// host-style descriptors are resolved with Protocol, Port, Pathname and Search.
type Feed struct {
	URL      string
	Hostname string
	Pathname string
	Protocol string
	Port     string
	Search   string

	Method  string
	Headers http.Header
	Body    []byte
	Auth    *Auth
	Params  map[string]any
	Data    map[string]any
	Timeout time.Duration

	original any
}

// Original returns the raw value the feed was parsed from.
func (f Feed) Original() any {
	if f.original == nil {
		return f
	}
	return f.original
}

// Resolve returns the absolute URL designated by the feed.
func (f Feed) Resolve() (string, error) {
	if raw := strings.TrimSpace(f.URL); raw != "" {
		return normalizeURL(raw)
	}
	host := strings.TrimSpace(f.Hostname)
	if host == "" {
		return "", fmt.Errorf("%w: missing url or hostname", ErrInvalidFeed)
	}
	scheme := strings.TrimSuffix(strings.TrimSpace(f.Protocol), ":")
	if scheme == "" {
		scheme = "http"
	}
	if f.Port != "" {
		host = host + ":" + f.Port
	}
	path := f.Pathname
	if path == "" {
		path = "/"
	} else if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     host,
		Path:     path,
		RawQuery: strings.TrimPrefix(f.Search, "?"),
	}
	return u.String(), nil
}

func normalizeURL(raw string) (string, error) {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidFeed, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: %q has no host", ErrInvalidFeed, raw)
	}
	return u.String(), nil
}

// Spec is the normalized form of whatever a caller submitted: either a single
// feed or an ordered list of specs.
type Spec struct {
	single   *Feed
	multiple []Spec
}

// Single wraps one feed.
func Single(f Feed) Spec {
	return Spec{single: &f}
}

// Multiple groups several specs, preserving order.
func Multiple(specs ...Spec) Spec {
	return Spec{multiple: specs}
}

// IsMultiple reports whether the spec is a list.
func (s Spec) IsMultiple() bool {
	return s.single == nil
}

// Flatten expands the spec depth-first into single feeds.
func (s Spec) Flatten() []Feed {
	if s.single != nil {
		return []Feed{*s.single}
	}
	var out []Feed
	for _, child := range s.multiple {
		out = append(out, child.Flatten()...)
	}
	return out
}

// Parse normalizes a raw feed. Accepted forms are a URL string, a Feed or
// *Feed, a map with url or hostname/pathname keys, a Spec, or a slice of any
// of these.
func Parse(raw any) (Spec, error) {
	switch v := raw.(type) {
	case Spec:
		if len(v.Flatten()) == 0 {
			return Spec{}, fmt.Errorf("%w: empty spec", ErrInvalidFeed)
		}
		return v, nil
	case string:
		f := Feed{URL: v, original: v}
		if _, err := f.Resolve(); err != nil {
			return Spec{}, err
		}
		return Single(f), nil
	case Feed:
		if _, err := v.Resolve(); err != nil {
			return Spec{}, err
		}
		if v.original == nil {
			v.original = raw
		}
		return Single(v), nil
	case *Feed:
		if v == nil {
			return Spec{}, fmt.Errorf("%w: nil feed", ErrInvalidFeed)
		}
		return Parse(*v)
	case map[string]any:
		f, err := feedFromMap(v)
		if err != nil {
			return Spec{}, err
		}
		return Single(f), nil
	case []string:
		return parseList(len(v), func(i int) any { return v[i] })
	case []Feed:
		return parseList(len(v), func(i int) any { return v[i] })
	case []*Feed:
		return parseList(len(v), func(i int) any { return v[i] })
	case []map[string]any:
		return parseList(len(v), func(i int) any { return v[i] })
	case []any:
		return parseList(len(v), func(i int) any { return v[i] })
	default:
		return Spec{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidFeed, raw)
	}
}

func parseList(n int, at func(int) any) (Spec, error) {
	if n == 0 {
		return Spec{}, fmt.Errorf("%w: empty feed list", ErrInvalidFeed)
	}
	specs := make([]Spec, 0, n)
	for i := 0; i < n; i++ {
		s, err := Parse(at(i))
		if err != nil {
			return Spec{}, fmt.Errorf("feed %d: %w", i, err)
		}
		specs = append(specs, s)
	}
	return Multiple(specs...), nil
}

func feedFromMap(m map[string]any) (Feed, error) {
	f := Feed{original: m}
	f.URL = stringField(m, "url")
	f.Hostname = stringField(m, "hostname")
	f.Pathname = stringField(m, "pathname")
	f.Protocol = stringField(m, "protocol")
	f.Port = stringField(m, "port")
	f.Search = stringField(m, "search")
	f.Method = strings.ToUpper(stringField(m, "method"))

	switch body := m["body"].(type) {
	case string:
		f.Body = []byte(body)
	case []byte:
		f.Body = body
	}
	f.Headers = headerField(m["headers"])
	if auth, ok := m["auth"].(map[string]any); ok {
		f.Auth = &Auth{User: stringField(auth, "user"), Password: stringField(auth, "password")}
	}
	if params, ok := m["params"].(map[string]any); ok {
		f.Params = params
	}
	if data, ok := m["data"].(map[string]any); ok {
		f.Data = data
	}
	timeout, err := durationField(m["timeout"])
	if err != nil {
		return Feed{}, fmt.Errorf("%w: timeout: %w", ErrInvalidFeed, err)
	}
	f.Timeout = timeout

	if _, err := f.Resolve(); err != nil {
		return Feed{}, err
	}
	return f, nil
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

func headerField(raw any) http.Header {
	switch v := raw.(type) {
	case http.Header:
		return v.Clone()
	case map[string]string:
		h := make(http.Header, len(v))
		for k, val := range v {
			h.Set(k, val)
		}
		return h
	case map[string]any:
		h := make(http.Header, len(v))
		for k, val := range v {
			switch typed := val.(type) {
			case string:
				h.Add(k, typed)
			case []string:
				for _, s := range typed {
					h.Add(k, s)
				}
			case []any:
				for _, s := range typed {
					h.Add(k, fmt.Sprint(s))
				}
			default:
				h.Add(k, fmt.Sprint(typed))
			}
		}
		return h
	default:
		return nil
	}
}

// durationField accepts a time.Duration, a Go duration string, or a number of
// milliseconds.
func durationField(raw any) (time.Duration, error) {
	switch v := raw.(type) {
	case nil:
		return 0, nil
	case time.Duration:
		return v, nil
	case int:
		return time.Duration(v) * time.Millisecond, nil
	case int64:
		return time.Duration(v) * time.Millisecond, nil
	case float64:
		return time.Duration(v * float64(time.Millisecond)), nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("parse duration %q: %w", v, err)
		}
		return d, nil
	default:
		return 0, fmt.Errorf("unsupported type %T", raw)
	}
}
