package threshold

import (
	"errors"
	"reflect"
	"testing"

	"github.com/loykin/healer/internal/sampler"
)

func TestEvaluateNominalSampleHasNoEvents(t *testing.T) {
	s := sampler.ResourceSample{CPU: 45, RAM: 71, Temperature: 52, Disk: sampler.Disk{Percent: 40}}
	if got := Evaluate(s, Default()); len(got) != 0 {
		t.Fatalf("expected no events, got %v", got)
	}
}

func TestEvaluateLevels(t *testing.T) {
	s := sampler.ResourceSample{CPU: 81, RAM: 96, GPU: 10, Temperature: 90, Disk: sampler.Disk{Percent: 86}}
	got := Evaluate(s, Default())
	want := []Event{
		{Metric: CPU, Level: LevelWarning, Value: 81, Limit: 80},
		{Metric: RAM, Level: LevelCritical, Value: 96, Limit: 90},
		{Metric: Temperature, Level: LevelCritical, Value: 90, Limit: 85},
		{Metric: Disk, Level: LevelCleanup, Value: 86, Limit: 85},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected events\n got: %v\nwant: %v", got, want)
	}
}

func TestEvaluateDiskLadder(t *testing.T) {
	cases := []struct {
		pct  float64
		want Level
	}{
		{79, 0},
		{80, LevelWarning},
		{85, LevelCleanup},
		{90, LevelCritical},
		{97, LevelCritical},
		{98, LevelReboot},
	}
	for _, tc := range cases {
		ev, ok := Find(Evaluate(sampler.ResourceSample{Disk: sampler.Disk{Percent: tc.pct}}, Default()), Disk)
		if tc.want == 0 {
			if ok {
				t.Fatalf("disk %v: expected no event, got %v", tc.pct, ev)
			}
			continue
		}
		if !ok || ev.Level != tc.want {
			t.Fatalf("disk %v: expected %v, got %v (found=%v)", tc.pct, tc.want, ev.Level, ok)
		}
	}
}

func TestEvaluateIdempotent(t *testing.T) {
	s := sampler.ResourceSample{CPU: 99, RAM: 91, GPU: 97, Temperature: 80, Disk: sampler.Disk{Percent: 98}}
	a := Evaluate(s, Default())
	b := Evaluate(s, Default())
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("evaluator not idempotent: %v vs %v", a, b)
	}
	if len(a) != 5 {
		t.Fatalf("expected one event per metric, got %d", len(a))
	}
}

func TestEvaluateStaleSample(t *testing.T) {
	s := sampler.ResourceSample{CPU: 100, Stale: true}
	if got := Evaluate(s, Default()); got != nil {
		t.Fatalf("stale sample must not produce events, got %v", got)
	}
}

func TestValidate(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	bad := Default()
	bad.RAM = Bounds{Warning: 95, Critical: 90}
	if err := bad.Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	bad = Default()
	bad.Disk.RebootOverride = 90
	if err := bad.Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for unordered disk bounds, got %v", err)
	}
	bad = Default()
	bad.Temperature.Critical = 0
	if err := bad.Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for zero bound, got %v", err)
	}
}
