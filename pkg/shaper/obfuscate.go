// obfuscate.go
//
// Copyright (c) 2026 Kristofer Berggren
// All rights reserved.
//
// nchat is distributed under the MIT license, see LICENSE for details.

package shaper

import (
	"net/http"
	"strconv"
	"time"

	mrand "math/rand/v2"

	"github.com/tidwall/sjson"
	"go.mau.fi/util/random"
)

type EntropyLevel string

const (
	EntropyLow     EntropyLevel = "low"
	EntropyMedium  EntropyLevel = "medium"
	EntropyHigh    EntropyLevel = "high"
	EntropyExtreme EntropyLevel = "extreme"
)

var markerProbability = map[EntropyLevel]float64{
	EntropyLow:     0.1,
	EntropyMedium:  0.2,
	EntropyHigh:    0.3,
	EntropyExtreme: 0.5,
}

func (e EntropyLevel) MarkerProbability() float64 {
	return markerProbability[e]
}

const (
	HeaderInclusionProbability = 0.7
	MarkerField                = "__rnd"
	TimestampParam             = "timestamp"
)

type header struct {
	key   string
	value string
}

var extraHeaderPool = []header{
	{"Accept-Language", "en-US,en;q=0.9"},
	{"Sec-Fetch-Dest", "empty"},
	{"Sec-Fetch-Mode", "cors"},
	{"Sec-Fetch-Site", "same-origin"},
	{"Sec-Ch-Ua-Mobile", "?0"},
	{"Cache-Control", "no-cache"},
	{"Pragma", "no-cache"},
	{"DNT", "1"},
	{"Priority", "u=1, i"},
}

type ObfuscationConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RandomizeHeaders  bool          `yaml:"randomize_headers"`
	ShuffleParams     bool          `yaml:"shuffle_params"`
	TimestampVariance time.Duration `yaml:"timestamp_variance"`
	AddMarker         bool          `yaml:"add_marker"`
	EntropyLevel      EntropyLevel  `yaml:"entropy_level"`
}

// Param is one ordered request parameter.
type Param struct {
	Key   string
	Value string
}

type Obfuscator struct {
	cfg   ObfuscationConfig
	float func() float64
	intN  func(int) int
}

func NewObfuscator(cfg ObfuscationConfig) *Obfuscator {
	return &Obfuscator{cfg: cfg, float: mrand.Float64, intN: mrand.IntN}
}

// Headers returns a random subset of the extra header pool, each header
// included independently.
func (o *Obfuscator) Headers() http.Header {
	out := make(http.Header)
	if !o.cfg.Enabled || !o.cfg.RandomizeHeaders {
		return out
	}
	for _, h := range extraHeaderPool {
		if o.float() < HeaderInclusionProbability {
			out.Set(h.key, h.value)
		}
	}
	return out
}

// Params returns a copy of params with the key order shuffled and the
// timestamp parameter perturbed when configured.
func (o *Obfuscator) Params(params []Param) []Param {
	out := append([]Param(nil), params...)
	if !o.cfg.Enabled {
		return out
	}
	if o.cfg.ShuffleParams {
		for i := len(out) - 1; i > 0; i-- {
			j := o.intN(i + 1)
			out[i], out[j] = out[j], out[i]
		}
	}
	if o.cfg.TimestampVariance > 0 {
		variance := o.cfg.TimestampVariance.Milliseconds()
		for i, p := range out {
			if p.Key != TimestampParam {
				continue
			}
			ts, err := strconv.ParseInt(p.Value, 10, 64)
			if err != nil {
				continue
			}
			offset := int64((o.float()*2 - 1) * float64(variance))
			out[i].Value = strconv.FormatInt(ts+offset, 10)
		}
	}
	if o.shouldMark() {
		out = append(out, Param{Key: MarkerField, Value: random.String(8)})
	}
	return out
}

// TagPayload adds the marker field to a JSON object payload with the
// configured probability.
func (o *Obfuscator) TagPayload(payload []byte) ([]byte, error) {
	if !o.shouldMark() {
		return payload, nil
	}
	return sjson.SetBytes(payload, MarkerField, random.String(8))
}

func (o *Obfuscator) shouldMark() bool {
	if !o.cfg.Enabled || !o.cfg.AddMarker {
		return false
	}
	return o.float() < o.cfg.EntropyLevel.MarkerProbability()
}
