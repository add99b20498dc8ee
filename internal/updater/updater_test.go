package updater

import "testing"

func TestTempTag(t *testing.T) {
	cases := map[string]string{
		"nginx:1.25":                       "nginx:1.25-pending",
		"nginx":                            "nginx:latest-pending",
		"registry.example.com:5000/app":    "registry.example.com:5000/app:latest-pending",
		"registry.example.com:5000/app:v1": "registry.example.com:5000/app:v1-pending",
		"grafana/grafana:10.2.0":           "grafana/grafana:10.2.0-pending",
	}
	for in, want := range cases {
		if got := tempTag(in); got != want {
			t.Errorf("tempTag(%q) = %q, want %q", in, got, want)
		}
	}
}
