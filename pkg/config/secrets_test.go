package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestSecretsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	values := map[string]string{
		"ANTHROPIC_API_KEY": "sk-ant-test",
		"GEMINI_API_KEY":    "AIza-test",
	}

	if err := EncryptSecretsFile(dir, "hunter2", values); err != nil {
		t.Fatalf("EncryptSecretsFile failed: %v", err)
	}
	if !SecretsFileExists(dir) {
		t.Fatal("Secrets file must exist after encryption")
	}

	got, err := DecryptSecretsFile(dir, "hunter2")
	if err != nil {
		t.Fatalf("DecryptSecretsFile failed: %v", err)
	}
	if !reflect.DeepEqual(got, values) {
		t.Errorf("Round trip mismatch: %v", got)
	}
}

func TestSecretsWrongPassword(t *testing.T) {
	dir := t.TempDir()
	if err := EncryptSecretsFile(dir, "right", map[string]string{"K": "v"}); err != nil {
		t.Fatalf("EncryptSecretsFile failed: %v", err)
	}

	if _, err := DecryptSecretsFile(dir, "wrong"); err == nil {
		t.Error("Wrong password must fail decryption")
	}
}

func TestSecretsCorruptedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, SecretsFileName)
	if err := os.WriteFile(path, []byte("short"), 0600); err != nil {
		t.Fatalf("Writing corrupt file failed: %v", err)
	}

	if _, err := DecryptSecretsFile(dir, "any"); err == nil || !strings.Contains(err.Error(), "corrupted") {
		t.Errorf("Expected corruption error, got %v", err)
	}
}

func TestSecretsPermissionsTightened(t *testing.T) {
	dir := t.TempDir()
	if err := EncryptSecretsFile(dir, "pw", map[string]string{"K": "v"}); err != nil {
		t.Fatalf("EncryptSecretsFile failed: %v", err)
	}
	path := filepath.Join(dir, SecretsFileName)
	if err := os.Chmod(path, 0644); err != nil {
		t.Fatalf("Chmod failed: %v", err)
	}

	if _, err := DecryptSecretsFile(dir, "pw"); err != nil {
		t.Fatalf("DecryptSecretsFile failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("Permissions = %04o, expected tightened 0600", info.Mode().Perm())
	}
}

func TestSecretPrecedence(t *testing.T) {
	t.Cleanup(func() { SetSecrets(nil) })

	SetSecrets(map[string]string{"DROVER_TEST_SECRET": "from-file"})
	t.Setenv("DROVER_TEST_SECRET", "from-env")

	got, err := Secret("DROVER_TEST_SECRET")
	if err != nil {
		t.Fatalf("Secret failed: %v", err)
	}
	if got != "from-file" {
		t.Errorf("Secrets file must win over environment, got %q", got)
	}

	SetSecrets(nil)
	got, err = Secret("DROVER_TEST_SECRET")
	if err != nil || got != "from-env" {
		t.Errorf("Expected env fallback from-env, got (%q, %v)", got, err)
	}

	if _, err := Secret("DROVER_TEST_SECRET_MISSING"); err == nil {
		t.Error("Unknown secret must be an error")
	}
}

func TestSecretEnvPairsSorted(t *testing.T) {
	t.Cleanup(func() { SetSecrets(nil) })

	SetSecrets(map[string]string{"B_KEY": "2", "A_KEY": "1"})
	got := SecretEnvPairs()
	want := []string{"A_KEY=1", "B_KEY=2"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SecretEnvPairs = %v, expected %v", got, want)
	}
}
