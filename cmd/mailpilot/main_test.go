package main

import (
	"strings"
	"testing"

	"github.com/nhle/mailpilot/internal/model"
)

func TestReadPassword(t *testing.T) {
	got, err := readPassword(strings.NewReader("s3cret\n"))
	if err != nil || got != "s3cret" {
		t.Errorf("readPassword = (%q, %v), want s3cret", got, err)
	}

	// Windows line ending and a missing trailing newline both work.
	got, err = readPassword(strings.NewReader("s3cret\r\n"))
	if err != nil || got != "s3cret" {
		t.Errorf("readPassword(crlf) = (%q, %v)", got, err)
	}
	got, err = readPassword(strings.NewReader("s3cret"))
	if err != nil || got != "s3cret" {
		t.Errorf("readPassword(no newline) = (%q, %v)", got, err)
	}

	if _, err := readPassword(strings.NewReader("\n")); err == nil {
		t.Error("empty password accepted")
	}
}

func TestManagePasswordRequiresKey(t *testing.T) {
	cfg := &model.Config{}
	if err := managePassword(cfg, true); err == nil {
		t.Error("set with no password_key accepted")
	}
	if err := managePassword(cfg, false); err == nil {
		t.Error("delete with no password_key accepted")
	}
}
