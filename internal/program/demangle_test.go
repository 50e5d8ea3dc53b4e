package program

import "testing"

func TestItaniumDemangle(t *testing.T) {
	cases := map[string]string{
		"_Z3foov":      "foo()",
		"_Z4workb":     "work(bool)",
		"not_mangled":  "not_mangled",
		"_ZN3Foo3barEi": "Foo::bar(int)",
	}
	for mangled, want := range cases {
		got := itaniumDemangle(mangled)
		if got != want {
			t.Errorf("itaniumDemangle(%q) = %q, want %q", mangled, got, want)
		}
	}
}
