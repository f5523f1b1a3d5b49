package backend

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/elpendex123/ec2-creator-local/internal/models"
)

// Scripts names the executable for each operation of a script backend.
type Scripts struct {
	Create  string
	List    string
	Start   string
	Stop    string
	Destroy string
}

// ScriptConfig configures a script backend.
type ScriptConfig struct {
	ScriptsDir string
	WorkDir    string
	Timeout    time.Duration
	Env        []string
}

// ScriptBackend drives a provisioning mechanism through shell scripts, one
// per operation. Create prints "instance_id|public_ip"; List prints a JSON
// document decoded by the backend-specific decoder.
type ScriptBackend struct {
	name       string
	runner     *Runner
	scripts    Scripts
	decodeList func(raw string) ([]models.Observed, error)
}

const (
	defaultAWSCLITimeout    = 5 * time.Minute
	defaultTerraformTimeout = 10 * time.Minute
)

// NewAWSCLI returns the backend that wraps the aws CLI scripts.
func NewAWSCLI(cfg ScriptConfig, logger *zap.Logger) *ScriptBackend {
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "aws_cli_bash_scripts"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultAWSCLITimeout
	}
	return newScriptBackend("awscli", cfg, logger, Scripts{
		Create:  "create_instance.sh",
		List:    "list_instances.sh",
		Start:   "start_instance.sh",
		Stop:    "stop_instance.sh",
		Destroy: "destroy_instance.sh",
	}, decodeDescribeInstances)
}

// NewTerraform returns the backend that wraps the terraform scripts. The
// scripts run inside cfg.WorkDir, the terraform root module.
func NewTerraform(cfg ScriptConfig, logger *zap.Logger) *ScriptBackend {
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "terraform_bash_scripts"
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "terraform/ec2"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTerraformTimeout
	}
	return newScriptBackend("terraform", cfg, logger, Scripts{
		Create:  "tf_create.sh",
		List:    "tf_list.sh",
		Start:   "tf_start.sh",
		Stop:    "tf_stop.sh",
		Destroy: "tf_destroy.sh",
	}, decodeTerraformShow)
}

func newScriptBackend(name string, cfg ScriptConfig, logger *zap.Logger, scripts Scripts, decode func(string) ([]models.Observed, error)) *ScriptBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScriptBackend{
		name: name,
		runner: &Runner{
			Backend:    name,
			ScriptsDir: cfg.ScriptsDir,
			WorkDir:    cfg.WorkDir,
			Timeout:    cfg.Timeout,
			Env:        cfg.Env,
			Logger:     logger.Named(name),
		},
		scripts:    scripts,
		decodeList: decode,
	}
}

func (b *ScriptBackend) Name() string { return b.name }

func (b *ScriptBackend) Create(ctx context.Context, spec models.CreateSpec) (Created, error) {
	out, err := b.runner.Run(ctx, "create", b.scripts.Create,
		spec.Name, spec.ImageID, spec.InstanceClass, strconv.Itoa(spec.StorageGB))
	if err != nil {
		return Created{}, err
	}
	created, err := parseCreateOutput(out)
	if err != nil {
		return Created{}, newError(KindParse, b.name, "create", out, err)
	}
	return created, nil
}

func (b *ScriptBackend) List(ctx context.Context) ([]models.Observed, error) {
	out, err := b.runner.Run(ctx, "list", b.scripts.List)
	if err != nil {
		return nil, err
	}
	list, err := b.decodeList(out)
	if err != nil {
		return nil, newError(KindParse, b.name, "list", out, err)
	}
	return list, nil
}

func (b *ScriptBackend) Lookup(ctx context.Context, id string) (models.Observed, error) {
	return LookupByList(ctx, b, id)
}

func (b *ScriptBackend) Start(ctx context.Context, id string) error {
	_, err := b.runner.Run(ctx, "start", b.scripts.Start, id)
	return err
}

func (b *ScriptBackend) Stop(ctx context.Context, id string) error {
	_, err := b.runner.Run(ctx, "stop", b.scripts.Stop, id)
	return err
}

func (b *ScriptBackend) Destroy(ctx context.Context, id string) error {
	_, err := b.runner.Run(ctx, "destroy", b.scripts.Destroy, id)
	return err
}
