package robot

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.viam.com/utils/pexec"

	"go.viam.com/urbridge/components/arm/universalrobots"
	"go.viam.com/urbridge/config"
	"go.viam.com/urbridge/logging"
)

const defaultProvisionTimeout = time.Minute

// A Provisioner brings virtual robots up on demand and releases them once nobody uses them.
type Provisioner interface {
	// Provision starts the named robot and returns where its controller listens.
	Provision(ctx context.Context, name string) (host string, port int, err error)
	Release(ctx context.Context, name string) error
}

// CommandProvisioner runs the configured start and stop commands, for example a container
// runtime starting a simulated controller.
type CommandProvisioner struct {
	cfg    config.Provisioner
	logger logging.Logger
}

// NewCommandProvisioner returns a provisioner for cfg.
func NewCommandProvisioner(cfg config.Provisioner, logger logging.Logger) *CommandProvisioner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultProvisionTimeout
	}
	return &CommandProvisioner{cfg: cfg, logger: logger}
}

// Provision runs the start command and returns the configured controller address.
func (p *CommandProvisioner) Provision(ctx context.Context, name string) (string, int, error) {
	if err := p.run(ctx, p.cfg.Start, name); err != nil {
		return "", 0, err
	}
	port := p.cfg.Port
	if port == 0 {
		port = universalrobots.DefaultPort
	}
	return p.cfg.Host, port, nil
}

// Release runs the stop command, if there is one.
func (p *CommandProvisioner) Release(ctx context.Context, name string) error {
	if len(p.cfg.Stop) == 0 {
		return nil
	}
	return p.run(ctx, p.cfg.Stop, name)
}

func (p *CommandProvisioner) run(ctx context.Context, command []string, name string) error {
	if len(command) == 0 {
		return errors.New("empty provisioner command")
	}
	args := lo.Map(command, func(arg string, _ int) string {
		return strings.ReplaceAll(arg, "{name}", name)
	})
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	proc := pexec.NewManagedProcess(pexec.ProcessConfig{
		ID:      uuid.NewString(),
		Name:    args[0],
		Args:    args[1:],
		OneShot: true,
		Log:     true,
	}, p.logger.AsZap())
	p.logger.CDebugw(ctx, "running provisioner command", "robot", name, "command", args)
	if err := proc.Start(ctx); err != nil {
		return errors.Wrapf(err, "provisioner command %q failed for robot %q", args[0], name)
	}
	return nil
}
