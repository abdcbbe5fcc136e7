package ui

import (
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBannerRender(t *testing.T) {
	out := NewBanner("webserv", "dev · site.yaml", 80).
		Add("Listen", "127.0.0.1:8080").
		Add("Hosts", "docs.example").
		Render()

	assert.Contains(t, out, "WEBSERV")
	assert.Contains(t, out, "dev · site.yaml")
	assert.Contains(t, out, "Listen:")
	assert.Contains(t, out, "127.0.0.1:8080")
	assert.Less(t, strings.Index(out, "Listen:"), strings.Index(out, "Hosts:"), "fields keep insertion order")
}

func TestBannerWithoutFields(t *testing.T) {
	out := NewBanner("webserv", "dev", 0).Render()
	assert.Contains(t, out, "WEBSERV")
	assert.NotContains(t, out, "─────")
}

func TestResultRender(t *testing.T) {
	ok := NewSuccessResult("configuration valid", 70, Field{Key: "Servers", Value: "2"}).String()
	assert.Contains(t, ok, SuccessMarker)
	assert.Contains(t, ok, "configuration valid")
	assert.Contains(t, ok, "Servers:")

	failed := NewFailureResult("cannot start", errors.New("bind: address in use"), 70, "check the listen directive").String()
	assert.Contains(t, failed, FailureMarker)
	assert.Contains(t, failed, "FAILED")
	assert.Contains(t, failed, "address in use")
	assert.Contains(t, failed, "check the listen directive")
}

func TestTerminalWidthFallback(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if IsTerminal(f) {
		t.Fatal("regular file reported as terminal")
	}
	if got := GetTerminalWidth(f); got != MinTerminalWidth {
		t.Errorf("GetTerminalWidth() = %d, want %d", got, MinTerminalWidth)
	}
}
