package sshtest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jpillora/sftpcloudfs/objfs"
	"github.com/jpillora/sftpcloudfs/sshd/sshtest/scenario"
)

// Runner plays scenarios against a server.
type Runner struct {
	Server  Server
	clients map[string]*Client
}

// ServerOptions returns the options that create the users a scenario
// needs.
func ServerOptions(sc *scenario.Scenario) []ServerOption {
	users := sc.Users
	if len(users) == 0 {
		users = map[string]string{scenario.DefaultUser: scenario.DefaultPassword}
	}
	var opts []ServerOption
	for user, pass := range users {
		opts = append(opts, ServerWithUser(user, pass))
	}
	return opts
}

// Run seeds the store, then executes every step in order.
func (r *Runner) Run(ctx context.Context, sc *scenario.Scenario) error {
	if err := r.seed(sc); err != nil {
		return &scenario.ScenarioError{Scenario: sc.Name, Err: err}
	}
	defer r.closeClients()
	for i, step := range sc.Steps {
		if err := r.runStep(ctx, sc, step); err != nil {
			return &scenario.ScenarioError{Scenario: sc.Name, StepNum: i, Exec: step.Exec, Err: err}
		}
	}
	return nil
}

func (r *Runner) seed(sc *scenario.Scenario) error {
	store := r.Server.Store()
	for p, data := range sc.Objects {
		if err := store.Put(p, []byte(data)); err != nil {
			return err
		}
	}
	if len(sc.Dirs) == 0 {
		return nil
	}
	// directories below a container need a connection
	user, pass, err := sc.UserPassword(scenario.Step{})
	if err != nil {
		return err
	}
	fsys, err := store.Authenticate(context.Background(), user, pass)
	if err != nil {
		return err
	}
	defer fsys.Close()
	for _, dir := range sc.Dirs {
		if container, object := objfs.Split(dir); object == "" {
			store.CreateContainer(container)
			continue
		}
		if err := fsys.Mkdir(dir); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) client(ctx context.Context, user, pass string) (*Client, error) {
	if c, ok := r.clients[user]; ok {
		return c, nil
	}
	c := NewClient(r.Server, ClientWithName(user), ClientWithUser(user), ClientWithPassword(pass))
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	if r.clients == nil {
		r.clients = map[string]*Client{}
	}
	r.clients[user] = c
	return c, nil
}

func (r *Runner) closeClients() {
	for _, c := range r.clients {
		c.Close()
	}
	r.clients = nil
}

func (r *Runner) runStep(ctx context.Context, sc *scenario.Scenario, step scenario.Step) error {
	user, pass, err := sc.UserPassword(step)
	if err != nil {
		return err
	}
	c, err := r.client(ctx, user, pass)
	if err != nil {
		return err
	}
	want := step.Expect
	res, err := c.ExecChunks(step.Exec, step.Input.Bytes()...)
	if want.Rejected {
		if !errors.Is(err, ErrRejected) {
			return fmt.Errorf("expected exec to be rejected, got %v", err)
		}
		return nil
	}
	if err != nil {
		return err
	}
	output := string(res.Output)
	if want.Output != nil && output != *want.Output {
		return fmt.Errorf("output: got %q, want %q", output, *want.Output)
	}
	if want.Contains != "" && !strings.Contains(output, want.Contains) {
		return fmt.Errorf("output %q does not contain %q", output, want.Contains)
	}
	if res.ExitCode != want.Exit {
		return fmt.Errorf("exit status: got %d, want %d (output %q)", res.ExitCode, want.Exit, output)
	}
	store := r.Server.Store()
	for p, data := range want.Objects {
		got, ok := store.Get(p)
		if !ok {
			return fmt.Errorf("object %s is missing", p)
		}
		if string(got) != data {
			return fmt.Errorf("object %s: got %q, want %q", p, got, data)
		}
	}
	for _, p := range want.Missing {
		if _, ok := store.Get(p); ok {
			return fmt.Errorf("object %s should not exist", p)
		}
	}
	return nil
}
