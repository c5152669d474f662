package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	if err := os.WriteFile(dotenv, []byte("A=1\n#comment\nB=two\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	pairs, err := LoadEnvFile(dotenv)
	if err != nil {
		t.Fatalf("load env file: %v", err)
	}
	m := make(map[string]string)
	for _, kv := range pairs {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				m[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	if m["A"] != "1" || m["B"] != "two" {
		t.Fatalf("unexpected pairs: %+v", m)
	}
}

func TestLoadGlobalEnv_Precedence(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "cfg.toml")
	dotenv := filepath.Join(dir, ".env")
	t.Setenv("VIGIL_TEST_OS_ONLY", "osv")
	t.Setenv("VIGIL_TEST_SHARED", "from-os")
	if err := os.WriteFile(dotenv, []byte("FILE_ONLY=fv\nVIGIL_TEST_SHARED=from-file\nTOP=file\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	data := "" +
		"use_os_env = true\n" +
		"env_files = [\"" + dotenv + "\"]\n" +
		"env = [\"TOP=tv\"]\n"
	if err := os.WriteFile(cfgPath, []byte(data), 0o644); err != nil {
		t.Fatalf("write cfg: %v", err)
	}
	pairs, err := LoadGlobalEnv(cfgPath)
	if err != nil {
		t.Fatalf("load global env: %v", err)
	}
	m := make(map[string]string)
	for _, kv := range pairs {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				m[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	if m["VIGIL_TEST_OS_ONLY"] != "osv" {
		t.Fatalf("OS env missing: %+v", m)
	}
	if m["FILE_ONLY"] != "fv" {
		t.Fatalf("env_files missing: %+v", m)
	}
	if m["VIGIL_TEST_SHARED"] != "from-file" {
		t.Fatalf("env_files should override OS env: %+v", m)
	}
	if m["TOP"] != "tv" {
		t.Fatalf("top-level env should override files: %+v", m)
	}
}

func TestLoadGlobalEnv_NoOSEnv(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "cfg.toml")
	t.Setenv("VIGIL_TEST_LEAK", "nope")
	if err := os.WriteFile(cfgPath, []byte("env = [\"ONLY=1\"]\n"), 0o644); err != nil {
		t.Fatalf("write cfg: %v", err)
	}
	pairs, err := LoadGlobalEnv(cfgPath)
	if err != nil {
		t.Fatalf("load global env: %v", err)
	}
	if len(pairs) != 1 || pairs[0] != "ONLY=1" {
		t.Fatalf("expected exactly the declared env, got %+v", pairs)
	}
}
