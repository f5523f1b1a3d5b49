package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Fatalf("defaults invalid: %v", errs)
	}
	if cfg.Backends.AWSCLI.Timeout != 5*time.Minute {
		t.Errorf("awscli timeout = %v", cfg.Backends.AWSCLI.Timeout)
	}
	if cfg.Backends.Terraform.Timeout != 10*time.Minute {
		t.Errorf("terraform timeout = %v", cfg.Backends.Terraform.Timeout)
	}
	if cfg.Lock.Policy != "wait" {
		t.Errorf("lock policy = %q", cfg.Lock.Policy)
	}
	if len(cfg.Policy.Images["us-east-1"]) != 3 {
		t.Errorf("us-east-1 images = %v", cfg.Policy.Images["us-east-1"])
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(New(), "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Driver != "badger" || cfg.Server.HTTPAddr != ":8000" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if len(cfg.Backends.Docker.Classes) != 2 || cfg.Backends.Docker.Classes[0].Name != "t3.micro" {
		t.Fatalf("docker classes = %+v", cfg.Backends.Docker.Classes)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "provisiond.yaml")
	yaml := `
store:
  driver: sqlite
  path: /var/lib/provisiond/instances.db
backends:
  default: sim
  enabled: [sim, docker]
  sim:
    boot_delay: 500ms
  docker:
    classes:
      - name: small
        memory_mb: 512
        cpus: 0.5
policy:
  region: local
  instance_types: [small]
  images:
    local: ["*"]
lock:
  policy: reject
notify:
  smtp:
    to: [ops@example.com]
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PROVISIONER_SSH_USER", "ubuntu")
	t.Setenv("PROVISIONER_SERVER_CALL_TIMEOUT", "90s")

	cfg, err := Load(New(), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Backends.Default != "sim" {
		t.Fatalf("file values not applied: %+v", cfg.Store)
	}
	if cfg.Backends.Sim.BootDelay != 500*time.Millisecond {
		t.Errorf("boot delay = %v", cfg.Backends.Sim.BootDelay)
	}
	if c := cfg.Backends.Docker.Classes; len(c) != 1 || c[0].MemoryMB != 512 || c[0].CPUs != 0.5 {
		t.Errorf("docker classes = %+v", c)
	}
	if got := cfg.Policy.Images["local"]; len(got) != 1 || got[0] != "*" {
		t.Errorf("images = %v", cfg.Policy.Images)
	}
	if cfg.SSH.User != "ubuntu" {
		t.Errorf("env override ignored: ssh.user = %q", cfg.SSH.User)
	}
	if cfg.Server.CallTimeout != 90*time.Second {
		t.Errorf("call timeout = %v", cfg.Server.CallTimeout)
	}
	if cfg.Lock.Policy != "reject" || cfg.Notify.SMTP.To[0] != "ops@example.com" {
		t.Errorf("lock/smtp = %q / %v", cfg.Lock.Policy, cfg.Notify.SMTP.To)
	}
}

func TestRegionFallsBackToAWSVariable(t *testing.T) {
	t.Setenv("AWS_DEFAULT_REGION", "eu-west-1")
	cfg, err := Load(New(), "")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Policy.Region != "eu-west-1" {
		t.Fatalf("region = %q", cfg.Policy.Region)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Store.Driver = "postgres"
	cfg.Backends.Enabled = []string{"awscli", "ansible"}
	cfg.Backends.Default = "terraform"
	cfg.Lock.Policy = "queue"
	cfg.Log.Level = "trace"

	errs := cfg.Validate()
	fields := map[string]bool{}
	for _, e := range errs {
		fields[e.Field] = true
	}
	for _, want := range []string{"store.driver", "backends.enabled", "backends.default", "lock.policy", "log.level"} {
		if !fields[want] {
			t.Errorf("missing validation error for %s; got %v", want, errs)
		}
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("PROVISIONER_LOCK_POLICY", "queue")
	_, err := Load(New(), "")
	var verrs ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) != 1 || verrs[0].Field != "lock.policy" {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(New(), filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
