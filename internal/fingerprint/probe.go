package fingerprint

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Probe exposes the process facts classification depends on. OSProbe reads
// the live process; StaticProbe serves fixed values for tests.
type Probe interface {
	PID() int
	Args() []string
	WorkingDir() (string, error)
	LookupEnv(key string) (string, bool)
	PathExists(path string) bool
	ParentProcessName() (string, error)
}

// OSProbe reads the current process.
type OSProbe struct {
	// ParentLookupTimeout bounds the parent process lookup.
	ParentLookupTimeout time.Duration
}

// NewOSProbe returns a probe for the running process.
func NewOSProbe() *OSProbe {
	return &OSProbe{ParentLookupTimeout: 2 * time.Second}
}

func (p *OSProbe) PID() int {
	return os.Getpid()
}

func (p *OSProbe) Args() []string {
	return os.Args
}

func (p *OSProbe) WorkingDir() (string, error) {
	return os.Getwd()
}

func (p *OSProbe) LookupEnv(key string) (string, bool) {
	return os.LookupEnv(key)
}

func (p *OSProbe) PathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ParentProcessName resolves the parent's executable name.
func (p *OSProbe) ParentProcessName() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.ParentLookupTimeout)
	defer cancel()

	parent, err := process.NewProcessWithContext(ctx, int32(os.Getppid()))
	if err != nil {
		return "", fmt.Errorf("parent process lookup: %w", err)
	}
	name, err := parent.NameWithContext(ctx)
	if err != nil {
		return "", fmt.Errorf("parent process name: %w", err)
	}
	return name, nil
}

// StaticProbe returns fixed values.
type StaticProbe struct {
	Pid       int
	Argv      []string
	Cwd       string
	CwdErr    error
	Env       map[string]string
	Paths     map[string]bool
	Parent    string
	ParentErr error
}

func (p *StaticProbe) PID() int {
	return p.Pid
}

func (p *StaticProbe) Args() []string {
	return p.Argv
}

func (p *StaticProbe) WorkingDir() (string, error) {
	return p.Cwd, p.CwdErr
}

func (p *StaticProbe) LookupEnv(key string) (string, bool) {
	v, ok := p.Env[key]
	return v, ok
}

func (p *StaticProbe) PathExists(path string) bool {
	return p.Paths[path]
}

func (p *StaticProbe) ParentProcessName() (string, error) {
	return p.Parent, p.ParentErr
}
