package main

import (
	"testing"

	"github.com/spf13/viper"
)

func TestParseMilestone(t *testing.T) {
	in, err := parseMilestone("Foundation:4000.50:PHOTO,INSPECTION")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if in.Name != "Foundation" || in.Amount.StringFixed(2) != "4000.50" {
		t.Fatalf("unexpected milestone: %+v", in)
	}
	if len(in.RequiredEvidence) != 2 || in.RequiredEvidence[1] != "INSPECTION" {
		t.Fatalf("unexpected evidence: %v", in.RequiredEvidence)
	}

	in, err = parseMilestone("Framing:10")
	if err != nil || len(in.RequiredEvidence) != 0 {
		t.Fatalf("expected milestone without evidence: %+v %v", in, err)
	}

	for _, bad := range []string{"Framing", "Framing:ten"} {
		if _, err := parseMilestone(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestActorRejectsSystemRole(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Set("actor-id", "ops")
	viper.Set("role", "inspector")
	a, err := actor()
	if err != nil || a.Role != "INSPECTOR" || a.ID != "ops" {
		t.Fatalf("unexpected actor %+v: %v", a, err)
	}
	viper.Set("role", "SYSTEM")
	if _, err := actor(); err == nil {
		t.Fatalf("SYSTEM must not be assumable")
	}
}
