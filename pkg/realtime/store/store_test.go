// store_test.go
//
// Copyright (c) 2026 Kristofer Berggren
// All rights reserved.
//
// nchat is distributed under the MIT license, see LICENSE for details.

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Container {
	t.Helper()
	container, err := Open(context.Background(), filepath.Join(t.TempDir(), "mgchat.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Close() })
	return container
}

func TestContainer_CredentialsRoundTrip(t *testing.T) {
	ctx := context.Background()
	container := openTestStore(t)

	creds, err := container.GetCredentials(ctx, "1000")
	require.NoError(t, err)
	assert.Nil(t, creds)

	expires := time.Unix(1900000000, 0).UTC()
	in := &Credentials{
		UserID:    "1000",
		Cookies:   []Cookie{{Name: "c_user", Value: "1000", Domain: ".messenger.com", Path: "/", Expires: &expires}, {Name: "xs", Value: "secret"}},
		CSRFToken: "token",
		UpdatedAt: time.UnixMilli(1700000000000),
	}
	require.NoError(t, container.PutCredentials(ctx, in))
	require.NoError(t, container.SetRegion(ctx, "1000", "ATN"))

	out, err := container.GetCredentials(ctx, "1000")
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, "token", out.CSRFToken)
	assert.Equal(t, "ATN", out.Region)
	assert.Equal(t, in.UpdatedAt.UnixMilli(), out.UpdatedAt.UnixMilli())
	require.Len(t, out.Cookies, 2)
	assert.True(t, expires.Equal(*out.Cookies[0].Expires))
	assert.Equal(t, "secret", out.Cookie("xs"))

	in.CSRFToken = "token2"
	in.UpdatedAt = time.UnixMilli(1700000001000)
	require.NoError(t, container.PutCredentials(ctx, in))
	require.NoError(t, container.PutCredentials(ctx, &Credentials{UserID: "2000", Cookies: []Cookie{{Name: "c_user", Value: "2000"}}, UpdatedAt: time.UnixMilli(1600000000000)}))
	latest, err := container.LatestCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1000", latest.UserID)
	assert.Equal(t, "token2", latest.CSRFToken)

	require.NoError(t, container.DeleteCredentials(ctx, "1000"))
	out, err = container.GetCredentials(ctx, "1000")
	require.NoError(t, err)
	assert.Nil(t, out)

	assert.ErrorIs(t, container.PutCredentials(ctx, &Credentials{}), ErrUserIDMustBeSet)
}

func TestParseAppState(t *testing.T) {
	creds, err := ParseAppState([]byte(`[
		{"key":"c_user","value":"1000","domain":"messenger.com","path":"/","expires":1900000000},
		{"name":"xs","value":"abc","expirationDate":1900000000.5},
		{"key":"","value":"skipped"}
	]`))
	require.NoError(t, err)
	assert.Equal(t, "1000", creds.UserID)
	require.Len(t, creds.Cookies, 2)
	assert.Equal(t, int64(1900000000), creds.Cookies[0].Expires.Unix())
	assert.Equal(t, "c_user=1000; xs=abc", creds.CookieHeader())

	creds, err = ParseAppState([]byte(`{"fb_dtsg":"dtsg","cookies":[{"name":"c_user","value":"7"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "7", creds.UserID)
	assert.Equal(t, "dtsg", creds.CSRFToken)

	_, err = ParseAppState([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidAppState)
	_, err = ParseAppState([]byte(`[]`))
	assert.ErrorIs(t, err, ErrNoCookies)
	_, err = ParseAppState([]byte(`[{"name":"xs","value":"1"}]`))
	assert.ErrorIs(t, err, ErrNoUserID)
}

func TestCookieHeader_SkipsExpired(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	creds := &Credentials{Cookies: []Cookie{{Name: "a", Value: "1", Expires: &past}, {Name: "b", Value: "2"}}}
	assert.Equal(t, "b=2", creds.CookieHeader())
}

func TestParseCookieString(t *testing.T) {
	creds, err := ParseCookieString("c_user=55; xs=1%3Aabc; junk")
	require.NoError(t, err)
	assert.Equal(t, "55", creds.UserID)
	assert.Equal(t, "1%3Aabc", creds.Cookie("xs"))
	_, err = ParseCookieString("  ")
	assert.ErrorIs(t, err, ErrNoCookies)
}
