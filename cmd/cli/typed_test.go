package main

import (
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	u "github.com/gofrs/uuid/v5"
)

func Test_buildTypedPayload_DecodesAsTypedRecord(t *testing.T) {
	t.Parallel()

	pt, err := buildTypedPayload("otp",
		map[string]any{"issuer": "gh", "digits": 6}, map[string]any{"secret": "JBSWY3DP"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var rec typedRecord
	if err := json.Unmarshal(pt, &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.Type != "otp" {
		t.Fatalf("type=%q", rec.Type)
	}
	var meta map[string]any
	if err := json.Unmarshal(rec.Meta, &meta); err != nil || meta["issuer"] != "gh" || meta["digits"] != float64(6) {
		t.Fatalf("meta=%s err=%v", rec.Meta, err)
	}
	if !strings.Contains(string(rec.Data), "JBSWY3DP") {
		t.Fatalf("data=%s", rec.Data)
	}
}

func Test_pretty(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in    string
		multi bool
	}{
		{`{"a":1,"b":[2,3]}`, true},
		{`"plain string"`, false},
		{"not-json", false},
	}
	for _, tc := range tests {
		got := pretty([]byte(tc.in))
		if tc.multi != strings.Contains(got, "\n") {
			t.Fatalf("pretty(%q)=%q", tc.in, got)
		}
		if tc.in == "not-json" && got != tc.in {
			t.Fatalf("raw input must pass through, got %q", got)
		}
	}
}

func Test_autoUUID(t *testing.T) {
	t.Parallel()

	var a, b string
	autoUUID(&a)
	autoUUID(&b)
	if _, err := u.FromString(a); err != nil {
		t.Fatalf("not a uuid: %q", a)
	}
	if a == b {
		t.Fatalf("ids must differ")
	}
	keep := "my-item"
	autoUUID(&keep)
	if keep != "my-item" {
		t.Fatalf("explicit id changed to %q", keep)
	}
}

func Test_cardValidators(t *testing.T) {
	t.Parallel()

	for _, n := range []string{"4532015112830366", "79927398713", "0"} {
		if !luhn(n) {
			t.Fatalf("luhn(%s) want true", n)
		}
	}
	for _, n := range []string{"4532015112830367", "79927398710", "12a34", "4532 0151 1283 0366"} {
		if luhn(n) {
			t.Fatalf("luhn(%s) want false", n)
		}
	}
	for _, s := range []string{"01/25", "12/99"} {
		if !validExp(s) {
			t.Fatalf("validExp(%s) want true", s)
		}
	}
	for _, s := range []string{"1/25", "0125", "aa/bb", "012/34", " 01/25"} {
		if validExp(s) {
			t.Fatalf("validExp(%s) want false", s)
		}
	}
}

func Test_isBase32(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"JBSWY3DPEHPK3PXP", "jbswy3dpehpk3pxp"} {
		if !isBase32(s) {
			t.Fatalf("isBase32(%s) want true", s)
		}
	}
	for _, s := range []string{"abc!", "====", "12345"} {
		if isBase32(s) {
			t.Fatalf("isBase32(%q) want false", s)
		}
	}
}

func Test_choose(t *testing.T) {
	t.Parallel()
	if choose("out.bin", "orig.txt") != "out.bin" || choose("", "orig.txt") != "orig.txt" {
		t.Fatalf("choose picks the first non-empty value")
	}
}

func Test_withTimeout_UsesGlobalFlag(t *testing.T) {
	t.Parallel()

	ctx, cancel := withTimeout()
	defer cancel()
	dl, ok := ctx.Deadline()
	if !ok {
		t.Fatalf("deadline not set")
	}
	if rem := time.Until(dl); rem <= 0 || rem > global.timeout {
		t.Fatalf("remaining %v, timeout %v", rem, global.timeout)
	}
}

func Test_typedCommands_Validate(t *testing.T) {
	_ = withTmpConfig(t)

	for _, args := range [][]string{
		{"add-card", "--db", "v", "--name", "n", "--number", "4532015112830366", "--exp", "1/30", "--cvc", "123"},
		{"add-card", "--db", "v", "--name", "n", "--number", "4532015112830366", "--exp", "01/30", "--cvc", "12"},
		{"add-otp", "--db", "v", "--secret", "not base32!"},
		{"add-otp", "--db", "v", "--secret", "JBSWY3DP", "--digits", "7"},
		{"add-login", "--db", "v", "--username", "u"},
		{"add-text", "--db", "v"},
		{"show", "--db", "v"},
	} {
		root := newRootCmd()
		root.SetArgs(args)
		root.SetOut(io.Discard)
		root.SetErr(io.Discard)
		if err := root.Execute(); err == nil {
			t.Fatalf("%v: expected error", args)
		}
	}
}
