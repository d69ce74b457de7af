// identity.go
//
// Copyright (c) 2026 Kristofer Berggren
// All rights reserved.
//
// nchat is distributed under the MIT license, see LICENSE for details.

package realtime

import (
	"net/url"
	"strconv"

	mrand "math/rand/v2"

	"go.mau.fi/util/random"
)

// SessionIdentity is the ephemeral identity of one transport session. A new
// one is made for every connection attempt.
type SessionIdentity struct {
	SessionID     uint32
	ClientID      string
	DeviceID      string
	Region        string
	EndpointIndex int
	Endpoint      string
}

func newIdentity(clientIDPrefix, region string, endpointIndex int, endpoint string) SessionIdentity {
	return SessionIdentity{
		SessionID:     mrand.Uint32(),
		ClientID:      clientIDPrefix + random.String(8),
		DeviceID:      random.String(22),
		Region:        region,
		EndpointIndex: endpointIndex,
		Endpoint:      endpoint,
	}
}

// URL returns the endpoint with the region and session id query parameters.
func (si SessionIdentity) URL() (string, error) {
	parsed, err := url.Parse(si.Endpoint)
	if err != nil {
		return "", err
	}
	query := parsed.Query()
	query.Set("region", si.Region)
	query.Set("sid", strconv.FormatUint(uint64(si.SessionID), 10))
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
