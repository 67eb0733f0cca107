package influx

import (
	"strings"
	"testing"
	"time"
)

func TestPassPoint(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	p := passPoint(PassMetric{
		Device:   "emulator:0",
		Backend:  "emulator",
		Geometry: "256x16",
		Pass:     3,
		Hashes:   1 << 24,
		Elapsed:  2 * time.Second,
		Hashrate: 1 << 23,
		Average:  8e6,
	}, ts)

	if p.Name() != MeasurementPass {
		t.Errorf("Name() = %q, want %q", p.Name(), MeasurementPass)
	}
	if !p.Time().Equal(ts) {
		t.Errorf("Time() = %v, want %v", p.Time(), ts)
	}

	tags := map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	want := map[string]string{"device": "emulator:0", "backend": "emulator", "geometry": "256x16"}
	for k, v := range want {
		if tags[k] != v {
			t.Errorf("tag %s = %q, want %q", k, tags[k], v)
		}
	}

	fields := map[string]any{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	for _, key := range []string{"pass", "hashes", "elapsed_seconds", "hashrate", "average_hashrate", "difficulty", "found"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("missing field %s", key)
		}
	}
	if fields["elapsed_seconds"] != 2.0 {
		t.Errorf("elapsed_seconds = %v, want 2", fields["elapsed_seconds"])
	}
}

func TestSolutionPoint(t *testing.T) {
	p := solutionPoint(SolutionMetric{
		Device: "emulator:0",
		Hash:   "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f",
		Nonce:  2083236893,
		Bits:   0x1d00ffff,
		Passes: 1,
	}, time.Now())

	if p.Name() != MeasurementSolution {
		t.Errorf("Name() = %q, want %q", p.Name(), MeasurementSolution)
	}

	var bits string
	for _, tag := range p.TagList() {
		if tag.Key == "bits" {
			bits = tag.Value
		}
	}
	if bits != "1d00ffff" {
		t.Errorf("bits tag = %q, want 1d00ffff", bits)
	}
}

func TestNewClient_Unreachable(t *testing.T) {
	_, err := NewClient(&Config{
		URL:    "http://127.0.0.1:1",
		Token:  "token",
		Org:    "org",
		Bucket: "bucket",
	})
	if err == nil {
		t.Error("NewClient() expected error for unreachable server")
	}
}

func TestHistoryQuery(t *testing.T) {
	tests := []struct {
		window    time.Duration
		wantRange string
		wantEvery string
	}{
		{time.Hour, "range(start: -3600s)", "every: 60s"},
		{2 * time.Hour, "range(start: -7200s)", "every: 120s"},
		{time.Minute, "range(start: -60s)", "every: 10s"},
		{90 * time.Minute, "range(start: -5400s)", "every: 90s"},
	}

	for _, tt := range tests {
		t.Run(tt.window.String(), func(t *testing.T) {
			q := historyQuery("search", "emulator:0", tt.window)
			for _, want := range []string{
				`from(bucket: "search")`,
				tt.wantRange,
				tt.wantEvery,
				`r._measurement == "search_pass"`,
				`r.device == "emulator:0"`,
				`r._field == "hashrate"`,
			} {
				if !strings.Contains(q, want) {
					t.Errorf("query missing %q:\n%s", want, q)
				}
			}
		})
	}
}
