package artifacts

import "testing"

func TestSniffMIMEFallsBackToOctetStream(t *testing.T) {
	cases := map[string]string{
		"report.html": "text/html; charset=utf-8",
		"figure.png":  "image/png",
		"data.bin":    "application/octet-stream",
		"noext":       "application/octet-stream",
	}
	for name, want := range cases {
		if got := sniffMIME(name); got != want {
			t.Errorf("sniffMIME(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestNullable(t *testing.T) {
	if nullable("") != nil {
		t.Error("nullable(\"\") should be nil")
	}
	if nullable("x") != "x" {
		t.Error("nullable(\"x\") should be \"x\"")
	}
}
