package load

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestAdmitConnectionBelowThreshold(t *testing.T) {
	var conns int64 = 80
	m := New(Config{MaxConnections: 100, ShedLoadAt: 90}, Counts{
		Connections: func() int64 { return conns },
	}, zerolog.Nop())

	if !m.AdmitConnection() {
		t.Fatal("expected admission at 80%% occupancy with 90%% threshold")
	}
}

func TestAdmitConnectionAtOrAboveThreshold(t *testing.T) {
	var conns int64 = 90
	m := New(Config{MaxConnections: 100, ShedLoadAt: 90}, Counts{
		Connections: func() int64 { return conns },
	}, zerolog.Nop())

	if m.AdmitConnection() {
		t.Fatal("expected rejection at 90%% occupancy with 90%% threshold")
	}
}

func TestAdmitSubscriptionPerSocketCap(t *testing.T) {
	m := New(Config{MaxChannelsPerConnection: 5}, Counts{}, zerolog.Nop())

	if !m.AdmitSubscription(4) {
		t.Fatal("expected admission under per-socket cap")
	}
	if m.AdmitSubscription(5) {
		t.Fatal("expected rejection at per-socket cap")
	}
}

func TestAdmitSubscriptionGlobalCap(t *testing.T) {
	var channels int64 = 950
	m := New(Config{MaxGlobalChannels: 1000, ShedLoadAt: 90}, Counts{
		Channels: func() int64 { return channels },
	}, zerolog.Nop())

	if m.AdmitSubscription(0) {
		t.Fatal("expected rejection once global channel occupancy hits threshold")
	}
}

func TestShouldDropNonCritical(t *testing.T) {
	m := New(Config{BackpressureThreshold: 1024}, Counts{}, zerolog.Nop())

	if m.ShouldDropNonCritical(512) {
		t.Fatal("expected no drop below backpressure threshold")
	}
	if !m.ShouldDropNonCritical(2048) {
		t.Fatal("expected drop above backpressure threshold")
	}
}

func TestZeroThresholdsAlwaysAdmit(t *testing.T) {
	m := New(Config{}, Counts{}, zerolog.Nop())
	if !m.AdmitConnection() {
		t.Fatal("expected admission when MaxConnections unset")
	}
	if !m.AdmitSubscription(1000) {
		t.Fatal("expected admission when caps unset")
	}
	if !m.AdmitConnectionRate("1.2.3.4") {
		t.Fatal("expected admission when connection rate limiting is unconfigured")
	}
}

func TestAdmitConnectionRatePerIPBurst(t *testing.T) {
	m := New(Config{
		ConnRateGlobalBurst:  100,
		ConnRateGlobalPerSec: 100,
		ConnRateIPBurst:      2,
		ConnRateIPPerSec:     1,
	}, Counts{}, zerolog.Nop())

	if !m.AdmitConnectionRate("1.2.3.4") {
		t.Fatal("expected first connection from IP to be admitted")
	}
	if !m.AdmitConnectionRate("1.2.3.4") {
		t.Fatal("expected second connection within burst to be admitted")
	}
	if m.AdmitConnectionRate("1.2.3.4") {
		t.Fatal("expected third connection to exceed per-IP burst")
	}
	if !m.AdmitConnectionRate("5.6.7.8") {
		t.Fatal("expected a different IP to have its own independent bucket")
	}
}

func TestAdmitConnectionRateGlobalBurst(t *testing.T) {
	m := New(Config{
		ConnRateGlobalBurst:  1,
		ConnRateGlobalPerSec: 1,
		ConnRateIPBurst:      100,
		ConnRateIPPerSec:     100,
	}, Counts{}, zerolog.Nop())

	if !m.AdmitConnectionRate("1.2.3.4") {
		t.Fatal("expected first connection to be admitted under the global bucket")
	}
	if m.AdmitConnectionRate("5.6.7.8") {
		t.Fatal("expected a different IP to still be rejected once the global bucket is exhausted")
	}
}
