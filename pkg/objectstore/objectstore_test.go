package objectstore

import "testing"

func TestKeyLayout(t *testing.T) {
	cases := []struct {
		name string
		got  string
		want string
	}{
		{"schema version", schemaVersionKey("acme", 3), "acme/schema/versions/v3.json"},
		{"schema current", schemaCurrentKey("acme"), "acme/schema/current.json"},
		{"data table", dataTableKey("acme", "users"), "acme/data/users.csv"},
		{"manifest", manifestKey("acme"), "acme/data/_manifest.json"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if c.got != c.want {
				t.Errorf("got %q, want %q", c.got, c.want)
			}
		})
	}
}
