// Copyright 2026 The Nakama Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally/v4"
)

func TestLocalMetrics_Tags(t *testing.T) {
	scope := tally.NewTestScope("", nil)
	m := NewScopedMetrics(scope)

	m.TransactionAdmitted(OriginQueue)
	m.TransactionAdmitted(OriginQueue)
	m.TransactionAdmitted(OriginLocal)
	m.TransactionFailed(FailureRejected)
	m.TransactionStoreFailed()
	m.PurchaserInfoReplaced(true)
	m.PurchaserInfoReplaced(false)
	m.GaugeInFlight(3)
	m.VerifyLatency(25 * time.Millisecond)

	snapshot := scope.Snapshot()
	byOrigin := map[string]int64{}
	byReason := map[string]int64{}
	for _, c := range snapshot.Counters() {
		switch c.Name() {
		case "tx_admitted":
			byOrigin[c.Tags()["origin"]] += c.Value()
		case "tx_failed":
			byReason[c.Tags()["reason"]] += c.Value()
		}
	}
	assert.Equal(t, map[string]int64{"queue": 2, "local": 1}, byOrigin)
	assert.Equal(t, map[string]int64{"rejected": 1, "store": 1}, byReason)
	assert.EqualValues(t, 1, counterValue(scope, "purchaser_info_replaced"))
	assert.EqualValues(t, 1, counterValue(scope, "purchaser_info_stale"))

	var gaugeFound bool
	for _, g := range snapshot.Gauges() {
		if g.Name() == "tx_in_flight" {
			gaugeFound = true
			assert.Equal(t, float64(3), g.Value())
		}
	}
	assert.True(t, gaugeFound)

	var timerFound bool
	for _, tm := range snapshot.Timers() {
		if tm.Name() == "verify_latency" {
			timerFound = true
			require.Len(t, tm.Values(), 1)
		}
	}
	assert.True(t, timerFound)
}
