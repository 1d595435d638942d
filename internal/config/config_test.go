package config

import "testing"

func TestParseServicePolicies(t *testing.T) {
	got, err := parseServicePolicies("iam:2:3;iot:1:4")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []ServicePolicyConfig{
		{ServiceName: "iam", PerSKULimit: 2, MaxConcurrency: 3},
		{ServiceName: "iot", PerSKULimit: 1, MaxConcurrency: 4},
	}
	if len(got) != len(want) {
		t.Fatalf("want %d entries, got %d: %+v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entry %d: want %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestParseServicePolicies_RejectsMalformed(t *testing.T) {
	cases := []string{"iam:2", "iam:x:3", "iam:2:x", "iam::3"}
	for _, c := range cases {
		if _, err := parseServicePolicies(c); err == nil {
			t.Fatalf("entry %q: want error, got nil", c)
		}
	}
}

func TestParseServicePolicies_Empty(t *testing.T) {
	got, err := parseServicePolicies("")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("want no entries, got %+v", got)
	}
}
