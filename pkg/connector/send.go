// send.go
//
// Copyright (c) 2026 Kristofer Berggren
// All rights reserved.
//
// nchat is distributed under the MIT license, see LICENSE for details.

package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	mrand "math/rand/v2"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"

	"github.com/d99kris/nchat/lib/mgchat/go/pkg/realtime/delta"
	"github.com/d99kris/nchat/lib/mgchat/go/pkg/realtime/events"
	"github.com/d99kris/nchat/lib/mgchat/go/pkg/realtime/web"
	"github.com/d99kris/nchat/lib/mgchat/go/pkg/shaper"
)

var ErrSendFailed = errors.New("server rejected request")

// offlineThreadingID is the client generated id of an outgoing message:
// the send time in ms followed by 22 random bits.
func offlineThreadingID(now time.Time) string {
	return strconv.FormatUint(uint64(now.UnixMilli())<<22|uint64(mrand.Uint32()&(1<<22-1)), 10)
}

func encodeForm(params []shaper.Param) []byte {
	var buf strings.Builder
	for i, param := range params {
		if i > 0 {
			buf.WriteByte('&')
		}
		buf.WriteString(url.QueryEscape(param.Key))
		buf.WriteByte('=')
		buf.WriteString(url.QueryEscape(param.Value))
	}
	return []byte(buf.String())
}

// gate runs the shaper before a user initiated send.
func (c *Connector) gate(ctx context.Context, isGroup bool) error {
	allowed, err := c.Shaper.BeforeSend(ctx, isGroup)
	if err != nil {
		return err
	} else if !allowed {
		return ErrRateLimited
	}
	return nil
}

func (c *Connector) post(ctx context.Context, urlStr string, body []byte, contentType web.ContentType, headers http.Header) ([]byte, error) {
	resp, err := web.SendHTTPRequest(ctx, c.HTTP, http.MethodPost, urlStr, &web.HTTPReqOpt{
		Body:        body,
		ContentType: contentType,
		Headers:     headers,
		Cookie:      c.Creds.CookieHeader(),
		UserAgent:   c.Shaper.UserAgent(),
	})
	if err != nil {
		return nil, err
	}
	data, err := web.ReadHTTPResponseBody(ctx, resp)
	if err != nil {
		return nil, err
	}
	result, ok := delta.ParsePayload(data)
	if !ok {
		return data, nil
	}
	if code := result.Get("error"); code.Exists() && code.Int() != 0 {
		return nil, fmt.Errorf("%w: %d %s", ErrSendFailed, code.Int(), result.Get("errorSummary").String())
	}
	return data, nil
}

// SendMessage sends a text message through the plain request transport and
// returns the message id assigned by the server, or the offline threading id
// when the response carries none.
func (c *Connector) SendMessage(ctx context.Context, threadID, text string) (string, error) {
	isGroup := len(threadID) > events.GroupThreadIDLength
	if err := c.gate(ctx, isGroup); err != nil {
		return "", err
	}
	if c.Config.Shaper.Pacing.Enabled {
		if _, err := c.Shaper.Pacing.SimulateIdle(ctx); err != nil {
			return "", err
		}
		c.Client.SendTyping(threadID, true)
		timer := time.NewTimer(c.Shaper.Pacing.TypingDelay(text))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			c.Client.SendTyping(threadID, false)
			return "", ctx.Err()
		}
		c.Client.SendTyping(threadID, false)
	}

	now := time.Now()
	otid := offlineThreadingID(now)
	params := []shaper.Param{
		{Key: "client", Value: "mercury"},
		{Key: "action_type", Value: "ma-type:user-generated-message"},
		{Key: "body", Value: text},
		{Key: "offline_threading_id", Value: otid},
		{Key: "message_id", Value: otid},
		{Key: shaper.TimestampParam, Value: strconv.FormatInt(now.UnixMilli(), 10)},
		{Key: "source", Value: "source:chat:web"},
		{Key: "fb_dtsg", Value: c.Creds.CSRFToken},
		{Key: "__user", Value: c.Creds.UserID},
	}
	if isGroup {
		params = append(params, shaper.Param{Key: "thread_fbid", Value: threadID})
	} else {
		params = append(params, shaper.Param{Key: "other_user_fbid", Value: threadID})
	}
	params, headers := c.Shaper.PrepareRequest(params)
	data, err := c.post(ctx, c.Config.SendURL, encodeForm(params), web.ContentTypeForm, headers)
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	if result, ok := delta.ParsePayload(data); ok {
		if id := result.Get("payload.actions.0.message_id").String(); id != "" {
			return id, nil
		}
	}
	return otid, nil
}

// SendReaction sets or, with an empty reaction, removes the reaction of
// this account on a message.
func (c *Connector) SendReaction(ctx context.Context, threadID, messageID, reaction string) error {
	if err := c.gate(ctx, len(threadID) > events.GroupThreadIDLength); err != nil {
		return err
	}
	action := "ADD_REACTION"
	if reaction == "" {
		action = "REMOVE_REACTION"
	}
	variables := []byte(`{}`)
	var err error
	for _, kv := range []struct {
		path  string
		value any
	}{
		{"data.client_mutation_id", uuid.NewString()},
		{"data.actor_id", c.Creds.UserID},
		{"data.action", action},
		{"data.message_id", messageID},
		{"data.reaction", reaction},
	} {
		if variables, err = sjson.SetBytes(variables, kv.path, kv.value); err != nil {
			return err
		}
	}
	if variables, err = c.Shaper.TagPayload(variables); err != nil {
		return err
	}
	params, headers := c.Shaper.PrepareRequest([]shaper.Param{
		{Key: "doc_id", Value: "1491398900900362"},
		{Key: "variables", Value: string(variables)},
		{Key: "fb_dtsg", Value: c.Creds.CSRFToken},
		{Key: "__user", Value: c.Creds.UserID},
	})
	if _, err = c.post(ctx, c.Config.GraphQLURL, encodeForm(params), web.ContentTypeForm, headers); err != nil {
		return fmt.Errorf("failed to send reaction: %w", err)
	}
	return nil
}
