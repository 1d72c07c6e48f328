package db

import "testing"

func TestRebind(t *testing.T) {
	cases := map[string]string{
		"SELECT 1":                             "SELECT 1",
		"SELECT * FROM t WHERE id = ?":         "SELECT * FROM t WHERE id = $1",
		"INSERT INTO t (a, b, c) VALUES (?, ?, ?)": "INSERT INTO t (a, b, c) VALUES ($1, $2, $3)",
		"UPDATE t SET a = ? WHERE b = ? AND c = ?": "UPDATE t SET a = $1 WHERE b = $2 AND c = $3",
	}
	for in, want := range cases {
		if got := rebind(in); got != want {
			t.Errorf("rebind(%q) = %q, want %q", in, got, want)
		}
	}
}
