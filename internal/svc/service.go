// Package svc installs and runs blobmesh as a system service.
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// Service modes.
const (
	ModeServe  = "serve"
	ModeWorker = "worker"
)

// RunFunc runs one mode until ctx is cancelled.
type RunFunc func(ctx context.Context, configPath string) error

// Program implements service.Interface.
type Program struct {
	Mode       string
	ConfigPath string
	RunServe   RunFunc
	RunWorker  RunFunc

	ctx    context.Context
	cancel context.CancelFunc
	done   chan error
}

// Start is called when the service starts. It must not block.
func (p *Program) Start(s service.Service) error {
	run, err := p.runFunc()
	if err != nil {
		return err
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan error, 1)

	go func() {
		p.done <- run(p.ctx, p.ConfigPath)
	}()
	return nil
}

func (p *Program) runFunc() (RunFunc, error) {
	var run RunFunc
	switch p.Mode {
	case ModeServe:
		run = p.RunServe
	case ModeWorker:
		run = p.RunWorker
	default:
		return nil, fmt.Errorf("unknown mode: %s", p.Mode)
	}
	if run == nil {
		return nil, fmt.Errorf("%s function not configured", p.Mode)
	}
	return run, nil
}

// Stop cancels the running mode and waits for it to return.
func (p *Program) Stop(s service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		err := <-p.done
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

// ServiceConfig holds configuration for service installation.
type ServiceConfig struct {
	Name        string
	DisplayName string
	Description string
	Mode        string // ModeServe or ModeWorker
	ConfigPath  string
	UserName    string            // Linux/macOS only
	Env         map[string]string // e.g. BLOBMESH_KEY_* account keys, kept out of process listings
}

// DefaultServiceName returns the default service name for mode.
func DefaultServiceName(mode string) string {
	if mode == ModeWorker {
		return "blobmesh-worker"
	}
	return "blobmesh"
}

// DefaultDisplayName returns a human-readable display name.
func DefaultDisplayName(mode string) string {
	if mode == ModeWorker {
		return "blobmesh Replication Worker"
	}
	return "blobmesh Gateway"
}

// DefaultDescription returns the service description.
func DefaultDescription(mode string) string {
	if mode == ModeWorker {
		return "blobmesh queue worker replicating blobs between backing accounts"
	}
	return "blobmesh gateway presenting many storage accounts as one"
}

// DefaultConfigPath returns the platform config file path.
func DefaultConfigPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("ProgramData"), "blobmesh", "blobmesh.yaml")
	}
	return "/etc/blobmesh/blobmesh.yaml"
}

// NewServiceConfig creates a service.Config from cfg.
func NewServiceConfig(cfg *ServiceConfig) *service.Config {
	svcCfg := &service.Config{
		Name:        cfg.Name,
		DisplayName: cfg.DisplayName,
		Description: cfg.Description,
		Arguments: []string{
			"--service-run",
			"--service-mode", cfg.Mode,
			cfg.Mode,
			"--config", cfg.ConfigPath,
		},
		EnvVars: cfg.Env,
	}

	switch runtime.GOOS {
	case "linux":
		svcCfg.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		svcCfg.Option = service.KeyValue{
			"Restart":    "on-failure",
			"RestartSec": "5",
		}
		svcCfg.UserName = cfg.UserName
	case "darwin":
		svcCfg.Option = service.KeyValue{
			"KeepAlive": true,
			"RunAtLoad": true,
		}
		svcCfg.UserName = cfg.UserName
	case "windows":
		svcCfg.Option = service.KeyValue{
			"OnFailure":      "restart",
			"OnFailureDelay": "5s",
		}
	}
	return svcCfg
}

// newService binds prg to the platform service manager.
func newService(prg *Program, cfg *ServiceConfig) (service.Service, error) {
	if prg == nil {
		prg = &Program{Mode: cfg.Mode, ConfigPath: cfg.ConfigPath}
	}
	s, err := service.New(prg, NewServiceConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return s, nil
}

// Install installs the service. An existing installation is replaced only
// when force is set.
func Install(cfg *ServiceConfig, force bool) error {
	s, err := newService(nil, cfg)
	if err != nil {
		return err
	}

	if status, err := s.Status(); err == nil && status != service.StatusUnknown {
		if !force {
			return fmt.Errorf("service %q already installed (%s); use --force to reinstall", cfg.Name, StatusString(status))
		}
		if status == service.StatusRunning {
			if err := s.Stop(); err != nil {
				log.Warn().Err(err).Msg("failed to stop service")
			}
		}
		if err := s.Uninstall(); err != nil {
			log.Warn().Err(err).Msg("failed to uninstall service")
		}
	}

	if err := s.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall stops and removes the service.
func Uninstall(cfg *ServiceConfig) error {
	s, err := newService(nil, cfg)
	if err != nil {
		return err
	}
	if status, _ := s.Status(); status == service.StatusRunning {
		if err := s.Stop(); err != nil {
			log.Warn().Err(err).Msg("failed to stop service")
		}
	}
	if err := s.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	return nil
}

// Control sends one of "start", "stop" or "restart" to the service manager.
func Control(cfg *ServiceConfig, action string) error {
	s, err := newService(nil, cfg)
	if err != nil {
		return err
	}
	if err := service.Control(s, action); err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	return nil
}

// Status returns the service status.
func Status(cfg *ServiceConfig) (service.Status, error) {
	s, err := newService(nil, cfg)
	if err != nil {
		return service.StatusUnknown, err
	}
	return s.Status()
}

// StatusString returns a human-readable status string.
func StatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Run runs prg under the service manager.
func Run(prg *Program, cfg *ServiceConfig) error {
	s, err := newService(prg, cfg)
	if err != nil {
		return err
	}
	return s.Run()
}

// CheckPrivileges reports whether the current user can manage services.
func CheckPrivileges() error {
	if runtime.GOOS == "windows" {
		return nil
	}
	if os.Geteuid() != 0 {
		return fmt.Errorf("root privileges required (use sudo)")
	}
	return nil
}

// IsServiceMode reports whether args carry the --service-run flag.
func IsServiceMode(args []string) bool {
	for _, arg := range args {
		if arg == "--service-run" {
			return true
		}
	}
	return false
}

// KeyEnv collects the variables in environ whose names start with prefix,
// so an installed service resolves the same account keys as the installing
// shell.
func KeyEnv(environ []string, prefix string) map[string]string {
	env := make(map[string]string)
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if ok && len(name) > len(prefix) && strings.HasPrefix(name, prefix) {
			env[name] = value
		}
	}
	return env
}

// EnvNames returns the sorted variable names in env.
func EnvNames(env map[string]string) []string {
	names := make([]string, 0, len(env))
	for k := range env {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
