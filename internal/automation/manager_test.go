//go:build !no_automation

package automation

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "scripts")
	m, err := NewManager(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestManagerListEmpty(t *testing.T) {
	m := newTestManager(t)
	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 0 {
		t.Errorf("list count = %d, want 0", len(scripts))
	}
}

func TestManagerSaveAndGet(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{
		Meta:    ScriptMeta{Name: "Hallway Light", Description: "Presence driven", Enabled: true},
		LuaCode: `radar.log("hello")`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID != "hallway_light" {
		t.Errorf("id = %q, want hallway_light", saved.ID)
	}

	got, err := m.Get(saved.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta.Name != "Hallway Light" || got.Meta.Description != "Presence driven" || !got.Meta.Enabled {
		t.Errorf("meta = %+v", got.Meta)
	}
	if got.LuaCode != `radar.log("hello")` {
		t.Errorf("lua_code = %q", got.LuaCode)
	}
}

func TestManagerUniqueID(t *testing.T) {
	m := newTestManager(t)
	s1, err := m.Save(&Script{Meta: ScriptMeta{Name: "Dup"}, LuaCode: `radar.log("1")`})
	if err != nil {
		t.Fatal(err)
	}
	s2, err := m.Save(&Script{Meta: ScriptMeta{Name: "Dup"}, LuaCode: `radar.log("2")`})
	if err != nil {
		t.Fatal(err)
	}
	if s1.ID == s2.ID {
		t.Errorf("expected unique IDs, got %q for both", s1.ID)
	}
	if s2.ID != "dup_1" {
		t.Errorf("second id = %q, want dup_1", s2.ID)
	}
}

func TestManagerDelete(t *testing.T) {
	m := newTestManager(t)
	s, err := m.Save(&Script{Meta: ScriptMeta{Name: "Gone"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(s.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(s.ID); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("get after delete err = %v, want ErrScriptNotFound", err)
	}
	if err := m.Delete(s.ID); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("second delete err = %v, want ErrScriptNotFound", err)
	}
}

func TestManagerRejectsBadIDs(t *testing.T) {
	m := newTestManager(t)
	for _, id := range []string{"..", "../etc/passwd", `a\b`, "x/y"} {
		if _, err := m.Get(id); err == nil {
			t.Errorf("Get(%q) should fail", id)
		}
		if err := m.Delete(id); err == nil {
			t.Errorf("Delete(%q) should fail", id)
		}
	}
	if _, err := m.Save(&Script{ID: "../escape"}); err == nil {
		t.Error("Save with path in ID should fail")
	}
}

func TestParseScriptWithHeader(t *testing.T) {
	dir := t.TempDir()
	content := `-- {"name":"Night Light","description":"Dim light at night","enabled":false}

radar.on_change("target", function(event)
    radar.log(tostring(event.value))
end)
`
	path := filepath.Join(dir, "night.lua")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	m := &Manager{dir: dir, logger: testLogger()}
	s, err := m.parseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.ID != "night" || s.Meta.Name != "Night Light" {
		t.Errorf("id/name = %q/%q", s.ID, s.Meta.Name)
	}
	if s.Meta.Enabled {
		t.Error("enabled = true, want false")
	}
	if !strings.HasPrefix(s.LuaCode, `radar.on_change("target"`) {
		t.Errorf("lua_code = %q", s.LuaCode)
	}
}

func TestParseScriptWithoutHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plain.lua")
	if err := os.WriteFile(path, []byte("radar.log(\"hi\")\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	m := &Manager{dir: dir, logger: testLogger()}
	s, err := m.parseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !s.Meta.Enabled || s.Meta.Name != "plain" {
		t.Errorf("meta = %+v, want enabled with file name", s.Meta)
	}
	if s.LuaCode != "radar.log(\"hi\")\n" {
		t.Errorf("lua_code = %q", s.LuaCode)
	}
}

func TestSerializeScript(t *testing.T) {
	content := serializeScript(&Script{
		ID:      "test",
		Meta:    ScriptMeta{Name: "Test", Enabled: true},
		LuaCode: `radar.log("hi")`,
	})
	if !strings.HasPrefix(content, `-- {"name":"Test","enabled":true}`+"\n") {
		t.Errorf("metadata line = %q", content)
	}
	if !strings.HasSuffix(content, "radar.log(\"hi\")\n") {
		t.Errorf("content = %q", content)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Hallway Light", "hallway_light"},
		{"hello world!", "hello_world"},
		{"", ""},
		{"  spaces  ", "spaces"},
		{"UPPER", "upper"},
	}
	for _, tt := range tests {
		if got := slugify(tt.input); got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestManagerSavePreservesCode(t *testing.T) {
	m := newTestManager(t)

	for _, code := range []string{"x = 2", "x = 2\n", "\nx = 2\n\n", ""} {
		saved, err := m.Save(&Script{Meta: ScriptMeta{Name: "Round"}, LuaCode: code})
		if err != nil {
			t.Fatal(err)
		}
		got, err := m.Get(saved.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.LuaCode != code {
			t.Errorf("lua_code = %q, want %q", got.LuaCode, code)
		}
	}
}
