package crossbuild

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEnvWith(t *testing.T) {
	base := Env{"A": "1"}
	derived := base.With("B", "2")
	if _, ok := base["B"]; ok {
		t.Error("With modified the receiver")
	}
	if diff := cmp.Diff(Env{"A": "1", "B": "2"}, derived); diff != "" {
		t.Errorf("derived (-want +got):\n%s", diff)
	}

	var empty Env
	if got := empty.With("X", "y"); got["X"] != "y" {
		t.Errorf("nil Env With = %v", got)
	}
}

func TestEnvApply(t *testing.T) {
	base := []string{"PATH=/bin", "HOME=/root", "FOO=old"}
	got := Env{"FOO": "new", "BAR": "1"}.Apply(base)
	want := []string{"PATH=/bin", "HOME=/root", "BAR=1", "FOO=new"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Apply (-want +got):\n%s", diff)
	}
	if base[2] != "FOO=old" {
		t.Error("Apply modified base")
	}
}
