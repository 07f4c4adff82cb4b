package common

import (
	"strings"
	"testing"
)

func TestVerString(t *testing.T) {
	s := VerString("zangeo")
	if !strings.HasPrefix(s, "zangeo v") {
		t.Errorf("unexpected version string: %v", s)
	}
}

func TestStringArray(t *testing.T) {
	var a StringArray
	a.Set("a")
	a.Set("b")
	if a.String() != "a,b" {
		t.Errorf("want a,b, got %v", a.String())
	}
}
