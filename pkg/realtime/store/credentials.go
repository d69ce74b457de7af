// credentials.go
//
// Copyright (c) 2026 Kristofer Berggren
// All rights reserved.
//
// nchat is distributed under the MIT license, see LICENSE for details.

package store

import (
	"errors"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const UserIDCookie = "c_user"

type Cookie struct {
	Name    string     `json:"name"`
	Value   string     `json:"value"`
	Domain  string     `json:"domain,omitempty"`
	Path    string     `json:"path,omitempty"`
	Expires *time.Time `json:"expires,omitempty"`
}

func (c *Cookie) Expired(now time.Time) bool {
	return c.Expires != nil && c.Expires.Before(now)
}

// Credentials are the session cookies of one logged in account. The region
// is the last region hint received from the server.
type Credentials struct {
	UserID    string
	Cookies   []Cookie
	CSRFToken string
	Region    string
	UpdatedAt time.Time
}

var (
	ErrInvalidAppState = errors.New("invalid appstate json")
	ErrNoCookies       = errors.New("no cookies in session data")
	ErrNoUserID        = errors.New("session has no " + UserIDCookie + " cookie")
)

func (c *Credentials) Cookie(name string) string {
	for _, cookie := range c.Cookies {
		if cookie.Name == name {
			return cookie.Value
		}
	}
	return ""
}

// CookieHeader renders the unexpired cookies as a Cookie header value.
func (c *Credentials) CookieHeader() string {
	now := time.Now()
	parts := make([]string, 0, len(c.Cookies))
	for _, cookie := range c.Cookies {
		if cookie.Expired(now) {
			continue
		}
		parts = append(parts, cookie.Name+"="+cookie.Value)
	}
	return strings.Join(parts, "; ")
}

func (c *Credentials) fillUserID() error {
	if c.UserID == "" {
		c.UserID = c.Cookie(UserIDCookie)
	}
	if c.UserID == "" {
		return ErrNoUserID
	}
	return nil
}

// ParseAppState reads a browser cookie export. Both a bare list of cookies
// and an object with a "cookies" list are accepted. Cookie names may be
// under "key" or "name", and expiry under "expires" or "expirationDate" in
// unix seconds.
func ParseAppState(data []byte) (*Credentials, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrInvalidAppState
	}
	root := gjson.ParseBytes(data)
	list := root
	creds := &Credentials{}
	if root.IsObject() {
		list = root.Get("cookies")
		creds.CSRFToken = root.Get("fb_dtsg").String()
		creds.UserID = root.Get("user_id").String()
	}
	for _, item := range list.Array() {
		name := item.Get("key").String()
		if name == "" {
			name = item.Get("name").String()
		}
		if name == "" {
			continue
		}
		cookie := Cookie{
			Name:   name,
			Value:  item.Get("value").String(),
			Domain: item.Get("domain").String(),
			Path:   item.Get("path").String(),
		}
		for _, key := range []string{"expires", "expirationDate"} {
			val := item.Get(key)
			if val.Type == gjson.Number {
				secs := val.Float()
				ts := time.Unix(int64(secs), int64((secs-float64(int64(secs)))*1e9))
				cookie.Expires = &ts
				break
			} else if val.Type == gjson.String {
				if ts, err := time.Parse(time.RFC3339, val.Str); err == nil {
					cookie.Expires = &ts
					break
				}
			}
		}
		creds.Cookies = append(creds.Cookies, cookie)
	}
	if len(creds.Cookies) == 0 {
		return nil, ErrNoCookies
	}
	return creds, creds.fillUserID()
}

// ParseCookieString reads a "name=value; name2=value2" header value.
func ParseCookieString(header string) (*Credentials, error) {
	creds := &Credentials{}
	for _, part := range strings.Split(header, ";") {
		name, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found || name == "" {
			continue
		}
		creds.Cookies = append(creds.Cookies, Cookie{Name: name, Value: value, Domain: ".messenger.com", Path: "/"})
	}
	if len(creds.Cookies) == 0 {
		return nil, ErrNoCookies
	}
	return creds, creds.fillUserID()
}
